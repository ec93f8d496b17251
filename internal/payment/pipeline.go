package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/audit"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/storage"
)

var tracer = otel.Tracer("gozon/fulfillment/payment")

// OrderGate is the order state machine as seen by the payment pipeline.
type OrderGate interface {
	TransitionTx(ctx context.Context, tx pgx.Tx, req order.TransitionRequest) (order.TransitionResult, error)
	AfterCommit(res order.TransitionResult)
}

type Pipeline struct {
	pool     *pgxpool.Pool
	orders   OrderGate
	provider provider.PaymentProvider
	notifier notify.Dispatcher
	audit    audit.Sink
	guard    *Guard
	logger   *slog.Logger
	now      func() time.Time
}

type Deps struct {
	Pool     *pgxpool.Pool
	Orders   OrderGate
	Provider provider.PaymentProvider
	Notifier notify.Dispatcher
	Audit    audit.Sink
	Guard    *Guard
	Logger   *slog.Logger
	Clock    func() time.Time
}

func NewPipeline(d Deps) *Pipeline {
	p := &Pipeline{
		pool:     d.Pool,
		orders:   d.Orders,
		provider: d.Provider,
		notifier: d.Notifier,
		audit:    d.Audit,
		guard:    d.Guard,
		logger:   d.Logger,
		now:      d.Clock,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.notifier == nil {
		p.notifier = notify.Discard{}
	}
	if p.audit == nil {
		p.audit = audit.LogSink{Logger: p.logger}
	}
	if p.guard == nil {
		p.guard = NewGuard(0, 0, p.now)
	}
	return p
}

const paymentColumns = `
	id, order_id, amount, currency, method, status, provider, provider_ref,
	expires_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p   Payment
		ref *string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.Provider, &ref, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		p.ProviderRef = *ref
	}
	return &p, nil
}

func getPayment(ctx context.Context, db storage.DBTX, id uuid.UUID, forUpdate bool) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// Get returns a payment with its lifecycle log.
func (p *Pipeline) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	pay, err := getPayment(ctx, p.pool, id, false)
	if err != nil {
		return nil, err
	}
	pay.Log, err = readLog(ctx, p.pool, "payment_events", "payment_id", id)
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *Pipeline) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Payment, error) {
		pay, err := scanPayment(row)
		if err != nil {
			return Payment{}, err
		}
		return *pay, nil
	})
}

func (p *Pipeline) setStatus(ctx context.Context, tx pgx.Tx, pay *Payment, status Status, event EventKind, detail string) error {
	now := p.now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = $2, updated_at = $3
		WHERE id = $1`,
		pay.ID, status, now,
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	pay.Status = status
	pay.UpdatedAt = now
	return appendLog(ctx, tx, "payment_events", "payment_id", pay.ID, now, event, detail)
}

// appendLog adds the next entry to a payment or refund log. The owning row is
// locked by the caller, so seq numbers cannot collide.
func appendLog(ctx context.Context, db storage.DBTX, table, key string, id uuid.UUID, at time.Time, event EventKind, detail string) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, seq, at, event, detail)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM %[1]s
		WHERE %[2]s = $1`, table, key)
	if _, err := db.Exec(ctx, query, id, at, event, detail); err != nil {
		return fmt.Errorf("append %s: %w", table, err)
	}
	return nil
}

func readLog(ctx context.Context, db storage.DBTX, table, key string, id uuid.UUID) ([]LogEntry, error) {
	query := fmt.Sprintf(`
		SELECT seq, at, event, detail
		FROM %s
		WHERE %s = $1
		ORDER BY seq`, table, key)
	rows, err := db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LogEntry, error) {
		var e LogEntry
		err := row.Scan(&e.Seq, &e.At, &e.Event, &e.Detail)
		return e, err
	})
}

// afterSettlement runs the post-commit steps of a settlement. None of them can
// undo the committed state; failures are only logged.
func (p *Pipeline) afterSettlement(ctx context.Context, pay *Payment, res order.TransitionResult, actor string) {
	p.orders.AfterCommit(res)
	if !res.Applied || res.Order == nil {
		return
	}

	err := p.notifier.Dispatch(ctx, res.Order.UserID, notify.TemplatePaymentSucceeded, map[string]any{
		"order_id":   res.Order.ID.String(),
		"payment_id": pay.ID.String(),
		"amount":     FormatMajor(pay.Amount, pay.Currency),
		"currency":   pay.Currency,
	})
	if err != nil {
		p.logger.Warn("payment notification failed", "payment_id", pay.ID, "order_id", pay.OrderID, "err", err)
	}

	p.record(ctx, audit.Event{
		Kind:      "payment.succeeded",
		SubjectID: pay.ID.String(),
		Actor:     actor,
		Data:      map[string]any{"order_id": pay.OrderID.String(), "amount": pay.Amount, "currency": pay.Currency},
	})
}

func (p *Pipeline) record(ctx context.Context, e audit.Event) {
	if err := p.audit.Record(ctx, e); err != nil {
		p.logger.Warn("audit record failed", "kind", e.Kind, "subject_id", e.SubjectID, "err", err)
	}
}
