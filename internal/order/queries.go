package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/storage"
)

const orderColumns = `
	id, user_id, sku, quantity, unit_price, total_amount, currency, status,
	ship_name, ship_phone, ship_address_raw, ship_region, ship_city, ship_district, ship_street,
	external_id, external_status, external_error, cancel_reason, cancelled_at,
	inventory_released_at, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                      Order
		currency                               string
		externalID, externalStatus, externalEr *string
		cancelReason                           *string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.SKU, &o.Quantity, &o.UnitPrice, &o.TotalAmount, &currency, &o.Status,
		&o.Shipping.Name, &o.Shipping.Phone, &o.Shipping.Raw, &o.Shipping.Region, &o.Shipping.City,
		&o.Shipping.District, &o.Shipping.Street,
		&externalID, &externalStatus, &externalEr, &cancelReason, &o.CancelledAt,
		&o.InventoryReleasedAt, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Currency = currency
	o.ExternalID = lo.FromPtr(externalID)
	o.ExternalStatus = lo.FromPtr(externalStatus)
	o.ExternalError = lo.FromPtr(externalEr)
	o.CancelReason = lo.FromPtr(cancelReason)
	return &o, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

// Lock locks the order row for the rest of tx. Callers that also lock payment
// rows must lock the order first.
func Lock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Order, error) {
	return lockOrder(ctx, tx, id)
}

// Insert stores a new pending order. It must share a transaction with the
// inventory reservation.
func Insert(ctx context.Context, db storage.DBTX, o *Order) error {
	_, err := db.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, sku, quantity, unit_price, total_amount, currency, status,
			ship_name, ship_phone, ship_address_raw, ship_region, ship_city, ship_district, ship_street,
			external_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)`,
		o.ID, o.UserID, o.SKU, o.Quantity, o.UnitPrice, o.TotalAmount, o.Currency, o.Status,
		o.Shipping.Name, o.Shipping.Phone, o.Shipping.Raw, o.Shipping.Region, o.Shipping.City,
		o.Shipping.District, o.Shipping.Street,
		nullIfEmpty(o.ExternalID), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(m.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (m *Machine) GetForUser(ctx context.Context, userID, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(m.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (m *Machine) ListForUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}

	return result, rows.Err()
}

func (m *Machine) History(ctx context.Context, orderID uuid.UUID) ([]HistoryEntry, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, operator, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var (
			h        HistoryEntry
			operator *string
		)
		err := row.Scan(&h.ID, &h.OrderID, &h.From, &h.To, &operator, &h.Note, &h.CreatedAt)
		h.Operator = lo.FromPtr(operator)
		return h, err
	})
}

// ListPendingOlderThan returns pending orders created before cutoff that have
// no settled payment, oldest first.
func (m *Machine) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT o.id
		FROM orders o
		WHERE o.status = 'pending'
		  AND o.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = 'succeeded')
		ORDER BY o.created_at
		LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListCancelFailed returns cancelled orders whose external cancellation failed.
func (m *Machine) ListCancelFailed(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id
		FROM orders
		WHERE status = 'cancelled' AND external_status = $1
		ORDER BY updated_at
		LIMIT $2`, ExternalCancelFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query cancel failed orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// SetExternalStatus records the last outcome reported by the external platform.
func (m *Machine) SetExternalStatus(ctx context.Context, id uuid.UUID, status, failure string) error {
	tag, err := m.pool.Exec(ctx, `
		UPDATE orders
		SET external_status = $2, external_error = $3, updated_at = $4
		WHERE id = $1`,
		id, status, nullIfEmpty(failure), m.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update external status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// SetExternalID stores the platform correlation id, keeping one already set.
func SetExternalID(ctx context.Context, db storage.DBTX, id uuid.UUID, externalID, status string) error {
	_, err := db.Exec(ctx, `
		UPDATE orders
		SET external_id = COALESCE(external_id, $2), external_status = $3, external_error = NULL
		WHERE id = $1`,
		id, nullIfEmpty(externalID), status,
	)
	if err != nil {
		return fmt.Errorf("update external id: %w", err)
	}
	return nil
}
