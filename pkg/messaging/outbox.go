package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue writes an event into an outbox table as part of the caller's transaction.
func Enqueue(ctx context.Context, db Execer, table string, eventID uuid.UUID, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, table)
	if _, err := db.Exec(ctx, query, eventID, eventType, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
