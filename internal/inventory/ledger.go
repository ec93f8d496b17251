package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/storage"
)

// SettledStatuses are the order statuses whose quantities count as sold.
var SettledStatuses = []string{"paid", "shipped", "completed"}

type Unit struct {
	SKU        string    `json:"sku"`
	Available  int       `json:"available"`
	SalesCount int       `json:"sales_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Reserve decrements stock in a single conditional statement so concurrent
// checkouts can never drive it below zero.
func (l *Ledger) Reserve(ctx context.Context, db storage.DBTX, sku string, quantity int) error {
	if quantity <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}

	tag, err := db.Exec(ctx, `
		UPDATE inventory_units
		SET available = available - $2, updated_at = NOW()
		WHERE sku = $1 AND available >= $2`,
		sku, quantity,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_units WHERE sku = $1)`, sku).Scan(&exists); err != nil {
		return fmt.Errorf("check sku: %w", err)
	}
	if !exists {
		return fmt.Errorf("sku %s: %w", sku, apperr.ErrNotFound)
	}
	return &apperr.InsufficientStockError{SKU: sku, Requested: quantity}
}

// Release returns reserved stock. Callers guarantee it runs once per order.
func (l *Ledger) Release(ctx context.Context, db storage.DBTX, sku string, quantity int) error {
	if quantity <= 0 {
		return apperr.Validation("quantity", "must be positive")
	}

	tag, err := db.Exec(ctx, `
		UPDATE inventory_units
		SET available = available + $2, updated_at = NOW()
		WHERE sku = $1`,
		sku, quantity,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sku %s: %w", sku, apperr.ErrNotFound)
	}
	return nil
}

// IncrementSales bumps the derived sales counter. RebuildSales is the source of truth.
func (l *Ledger) IncrementSales(ctx context.Context, db storage.DBTX, sku string, quantity int) error {
	_, err := db.Exec(ctx, `
		UPDATE inventory_units
		SET sales_count = sales_count + $2
		WHERE sku = $1`,
		sku, quantity,
	)
	if err != nil {
		return fmt.Errorf("increment sales: %w", err)
	}
	return nil
}

// Upsert sets the available stock of a unit, creating it when missing.
func (l *Ledger) Upsert(ctx context.Context, sku string, available int) (*Unit, error) {
	if sku == "" {
		return nil, apperr.Validation("sku", "is required")
	}
	if available < 0 {
		return nil, apperr.Validation("available", "must not be negative")
	}

	var u Unit
	err := l.pool.QueryRow(ctx, `
		INSERT INTO inventory_units (sku, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sku) DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()
		RETURNING sku, available, sales_count, updated_at`,
		sku, available,
	).Scan(&u.SKU, &u.Available, &u.SalesCount, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert unit: %w", err)
	}
	return &u, nil
}

func (l *Ledger) Get(ctx context.Context, sku string) (*Unit, error) {
	var u Unit
	err := l.pool.QueryRow(ctx, `
		SELECT sku, available, sales_count, updated_at
		FROM inventory_units
		WHERE sku = $1`, sku,
	).Scan(&u.SKU, &u.Available, &u.SalesCount, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sku %s: %w", sku, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("select unit: %w", err)
	}
	return &u, nil
}

// RebuildSales resets every sales counter and re-aggregates it from settled
// orders. With dryRun it only reports the counts it would write.
func (l *Ledger) RebuildSales(ctx context.Context, dryRun bool) (map[string]int, error) {
	return storage.InTx(ctx, l.pool, func(tx pgx.Tx) (map[string]int, error) {
		rows, err := tx.Query(ctx, `
			SELECT sku, COALESCE(SUM(quantity), 0)::INT
			FROM orders
			WHERE status = ANY($1)
			GROUP BY sku`, SettledStatuses,
		)
		if err != nil {
			return nil, fmt.Errorf("aggregate sales: %w", err)
		}
		counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (skuCount, error) {
			var c skuCount
			err := row.Scan(&c.sku, &c.count)
			return c, err
		})
		if err != nil {
			return nil, fmt.Errorf("scan sales: %w", err)
		}

		result := make(map[string]int, len(counts))
		for _, c := range counts {
			result[c.sku] = c.count
		}
		if dryRun {
			return result, nil
		}

		if _, err := tx.Exec(ctx, `UPDATE inventory_units SET sales_count = 0 WHERE sales_count <> 0`); err != nil {
			return nil, fmt.Errorf("reset sales: %w", err)
		}
		for _, c := range counts {
			if _, err := tx.Exec(ctx, `UPDATE inventory_units SET sales_count = $2 WHERE sku = $1`, c.sku, c.count); err != nil {
				return nil, fmt.Errorf("write sales %s: %w", c.sku, err)
			}
		}
		return result, nil
	})
}

type skuCount struct {
	sku   string
	count int
}
