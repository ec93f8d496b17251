package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxDispatcher relays committed outbox rows to the broker. Rows are
// claimed with SKIP LOCKED and leased, so several dispatchers can share a
// table; a crashed dispatcher's lease simply runs out. Delivery is
// at-least-once and consumers dedupe on the message id.
type OutboxDispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	table     string
	interval  time.Duration
	batchSize int
	lease     time.Duration
	logger    *slog.Logger
}

type outboxRow struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, table string, interval time.Duration, batch int, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		pool:      pool,
		publisher: publisher,
		table:     table,
		interval:  interval,
		batchSize: batch,
		lease:     30 * time.Second,
		logger:    logger,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed", "table", d.table, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	rows, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		if err := d.publishOne(ctx, row); err != nil {
			d.logger.Warn("publish event failed",
				"table", d.table, "event_id", row.EventID, "event_type", row.EventType, "attempts", row.Attempts+1, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *OutboxDispatcher) claim(ctx context.Context) ([]outboxRow, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`
		SELECT id, event_id::text, event_type, payload, attempts
		FROM %s
		WHERE (status = 'pending' AND (next_retry IS NULL OR next_retry <= NOW()))
		   OR (status = 'processing' AND next_retry <= NOW())
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, d.table)

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[outboxRow])
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i, row := range items {
		ids[i] = row.ID
	}
	lease := fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', next_retry = $2, updated_at = NOW()
		WHERE id = ANY($1)`, d.table)
	if _, err := tx.Exec(ctx, lease, ids, time.Now().Add(d.lease)); err != nil {
		return nil, fmt.Errorf("lease outbox rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.publisher.Publish(pubCtx, Message{
		RoutingKey: row.EventType,
		MessageID:  row.EventID,
		Body:       row.Payload,
	})
	if err != nil {
		return d.markFailure(ctx, row, err)
	}

	update := fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`, d.table)
	if _, err := d.pool.Exec(ctx, update, row.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, row outboxRow, publishErr error) error {
	nextRetry := time.Now().Add(retryDelay(row.Attempts + 1))
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`, d.table)
	if _, err := d.pool.Exec(ctx, query, row.ID, nextRetry); err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return publishErr
}

// retryDelay grows from 1s up to a minute, with jitter.
func retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()

	delay := b.InitialInterval
	for range max(attempts, 1) {
		delay = b.NextBackOff()
	}
	return delay
}
