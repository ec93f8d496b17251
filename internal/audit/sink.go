package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Event struct {
	Kind      string
	SubjectID string
	Actor     string
	Data      map[string]any
}

// Sink is an append-only structured event log.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	if e.Data == nil {
		data = []byte(`{}`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (kind, subject_id, actor, data)
		VALUES ($1, $2, $3, $4)`,
		e.Kind, e.SubjectID, e.Actor, data,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// LogSink writes audit events to a logger, for runs without a database sink.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(_ context.Context, e Event) error {
	s.Logger.Info("audit", "kind", e.Kind, "subject_id", e.SubjectID, "actor", e.Actor, "data", e.Data)
	return nil
}
