package order

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/storage"
	"gozon/fulfillment/pkg/contracts"
	"gozon/fulfillment/pkg/messaging"
)

const OutboxTable = "order_outbox"

var tracer = otel.Tracer("gozon/fulfillment/order")

type StockLedger interface {
	Reserve(ctx context.Context, db storage.DBTX, sku string, quantity int) error
	Release(ctx context.Context, db storage.DBTX, sku string, quantity int) error
	IncrementSales(ctx context.Context, db storage.DBTX, sku string, quantity int) error
}

// UpdateListener receives committed status changes, e.g. the websocket hub.
type UpdateListener interface {
	OrderChanged(o Order, from Status)
}

type TransitionRequest struct {
	OrderID uuid.UUID
	To      Status
	// Expect lists the statuses the caller believes the order is in. When the
	// persisted status is none of them the call is a no-op.
	Expect   []Status
	Operator string
	Note     string
	// Reason is stored as the cancellation reason when entering cancelled.
	Reason string
}

type TransitionResult struct {
	Order   *Order
	From    Status
	To      Status
	Applied bool
}

// Machine is the single gate for order status changes.
type Machine struct {
	pool     *pgxpool.Pool
	stock    StockLedger
	listener UpdateListener
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachine(pool *pgxpool.Pool, stock StockLedger, listener UpdateListener, logger *slog.Logger, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		pool:     pool,
		stock:    stock,
		listener: listener,
		logger:   logger,
		now:      clock,
	}
}

// Transition runs TransitionTx in its own transaction and publishes the
// update after commit.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "order.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID.String()),
		attribute.String("order.to", string(req.To)),
	)

	res, err := storage.InTx(ctx, m.pool, func(tx pgx.Tx) (TransitionResult, error) {
		return m.TransitionTx(ctx, tx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Bool("order.applied", res.Applied))

	m.AfterCommit(res)
	return res, nil
}

// TransitionTx validates and applies a transition inside tx. The order row is
// locked and re-read, so the caller's copy of the order is never trusted.
func (m *Machine) TransitionTx(ctx context.Context, tx pgx.Tx, req TransitionRequest) (TransitionResult, error) {
	o, err := lockOrder(ctx, tx, req.OrderID)
	if err != nil {
		return TransitionResult{}, err
	}

	res := TransitionResult{Order: o, From: o.Status, To: req.To}

	if o.Status == req.To {
		return res, nil
	}
	if len(req.Expect) > 0 && !slices.Contains(req.Expect, o.Status) {
		m.logger.Debug("transition superseded",
			"order_id", o.ID, "current", o.Status, "to", req.To)
		return res, nil
	}
	if !CanTransition(o.Status, req.To) {
		return res, &apperr.InvalidTransitionError{
			OrderID: o.ID.String(),
			From:    string(o.Status),
			To:      string(req.To),
		}
	}

	now := m.now().UTC()

	if err := m.writeStatus(ctx, tx, o, req.To, now); err != nil {
		return res, err
	}
	if err := appendHistory(ctx, tx, o.ID, res.From, req.To, req.Operator, req.Note, now); err != nil {
		return res, err
	}

	switch req.To {
	case StatusCancelled:
		err = m.releaseInventory(ctx, tx, o, req.Reason, now)
	case StatusPaid:
		err = m.recordSettlement(ctx, tx, o, now)
	case StatusRefunded:
		err = verifyRefundTotals(ctx, tx, o.ID)
	}
	if err != nil {
		return res, err
	}

	if err := m.enqueueStatusChanged(ctx, tx, o, res.From, req, now); err != nil {
		return res, err
	}

	res.Applied = true
	return res, nil
}

// AfterCommit pushes an applied transition to live subscribers.
func (m *Machine) AfterCommit(res TransitionResult) {
	if !res.Applied || m.listener == nil || res.Order == nil {
		return
	}
	m.listener.OrderChanged(*res.Order, res.From)
}

func (m *Machine) writeStatus(ctx context.Context, tx pgx.Tx, o *Order, to Status, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1`,
		o.ID, to, now,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// releaseInventory returns the reserved quantity exactly once per order.
func (m *Machine) releaseInventory(ctx context.Context, tx pgx.Tx, o *Order, reason string, now time.Time) error {
	if reason == "" {
		reason = "cancelled"
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET cancel_reason = $2, cancelled_at = $3, inventory_released_at = $3
		WHERE id = $1 AND inventory_released_at IS NULL`,
		o.ID, reason, now,
	)
	if err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	o.CancelReason = reason
	o.CancelledAt = &now
	if tag.RowsAffected() == 0 {
		m.logger.Warn("inventory already released", "order_id", o.ID)
		return nil
	}
	o.InventoryReleasedAt = &now

	if err := m.stock.Release(ctx, tx, o.SKU, o.Quantity); err != nil {
		return fmt.Errorf("release inventory: %w", err)
	}
	return nil
}

func (m *Machine) recordSettlement(ctx context.Context, tx pgx.Tx, o *Order, now time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE orders SET paid_at = $2 WHERE id = $1`, o.ID, now); err != nil {
		return fmt.Errorf("set paid_at: %w", err)
	}
	o.PaidAt = &now

	if err := m.stock.IncrementSales(ctx, tx, o.SKU, o.Quantity); err != nil {
		return err
	}

	eventID := uuid.New()
	return messaging.Enqueue(ctx, tx, OutboxTable, eventID, contracts.EventOrderPaid, contracts.OrderPaidEvent{
		EventID:  eventID.String(),
		OrderID:  o.ID.String(),
		UserID:   o.UserID.String(),
		SKU:      o.SKU,
		Quantity: o.Quantity,
		Amount:   o.TotalAmount,
		Currency: o.Currency,
		PaidAt:   now,
	})
}

// verifyRefundTotals enforces that refunds never exceed what was paid.
func verifyRefundTotals(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error {
	var paid, refunded int64
	err := tx.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM payments WHERE order_id = $1 AND status = 'succeeded'), 0),
			COALESCE((SELECT SUM(amount) FROM refunds WHERE order_id = $1 AND status = 'succeeded'), 0)`,
		orderID,
	).Scan(&paid, &refunded)
	if err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	if refunded > paid {
		return apperr.Validation("refund", "refunded %d exceeds paid %d", refunded, paid)
	}
	if refunded == 0 {
		return apperr.Validation("refund", "no succeeded refund recorded")
	}
	return nil
}

func (m *Machine) enqueueStatusChanged(ctx context.Context, tx pgx.Tx, o *Order, from Status, req TransitionRequest, now time.Time) error {
	eventID := uuid.New()
	return messaging.Enqueue(ctx, tx, OutboxTable, eventID, contracts.EventOrderStatusChanged, contracts.OrderStatusChangedEvent{
		EventID:    eventID.String(),
		OrderID:    o.ID.String(),
		UserID:     o.UserID.String(),
		From:       string(from),
		To:         string(req.To),
		Operator:   req.Operator,
		Note:       req.Note,
		OccurredAt: now,
	})
}

func appendHistory(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, from, to Status, operator, note string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, operator, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, from, to, nullIfEmpty(operator), note, now,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
