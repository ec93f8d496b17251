// Package storagetest starts a disposable PostgreSQL for package tests.
package storagetest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"gozon/fulfillment/internal/storage"
)

const image = "postgres:16-alpine"

type Database struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
}

// Start runs a postgres container and returns a migrated pool.
func Start(ctx context.Context) (*Database, error) {
	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("fulfillment"),
		postgres.WithUsername("fulfillment"),
		postgres.WithPassword("fulfillment"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.Run: %w", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return nil, fmt.Errorf("ctr.ConnectionString: %w", err)
	}

	store, err := storage.New(ctx, connStr)
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return nil, fmt.Errorf("storage.New: %w", err)
	}

	return &Database{Container: ctr, Pool: store.Pool()}, nil
}

// Reset empties every business table between tests.
func (d *Database) Reset(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `
		TRUNCATE TABLE audit_events, order_shipping_syncs, refund_events, refunds,
			payment_inbox, payment_events, payments, order_outbox, order_status_history,
			orders, inventory_units
		RESTART IDENTITY CASCADE`)
	return err
}

func (d *Database) Close() {
	if d == nil {
		return
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.Container != nil {
		_ = d.Container.Terminate(context.Background())
	}
}
