package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/storage"
)

const DefaultIntentTTL = 15 * time.Minute

// CreateIntentTx opens a payment intent for o inside the caller's transaction.
func (p *Pipeline) CreateIntentTx(ctx context.Context, tx pgx.Tx, o *order.Order, method string, ttl time.Duration) (*Payment, error) {
	if method == "" {
		return nil, apperr.Validation("method", "payment method is required")
	}
	if ttl <= 0 {
		ttl = DefaultIntentTTL
	}

	now := p.now().UTC()
	pay := &Payment{
		ID:        uuid.New(),
		OrderID:   o.ID,
		Amount:    o.TotalAmount,
		Currency:  o.Currency,
		Method:    method,
		Status:    StatusInit,
		Provider:  p.providerName(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, method, status, provider, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		pay.ID, pay.OrderID, pay.Amount, pay.Currency, pay.Method, pay.Status, pay.Provider, pay.ExpiresAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	detail := fmt.Sprintf("amount=%s %s expires_at=%s", FormatMajor(pay.Amount, pay.Currency), pay.Currency, pay.ExpiresAt.Format(time.RFC3339))
	if err := appendLog(ctx, tx, "payment_events", "payment_id", pay.ID, now, EventCreated, detail); err != nil {
		return nil, err
	}
	pay.Log = []LogEntry{{Seq: 1, At: now, Event: EventCreated, Detail: detail}}
	return pay, nil
}

// CreateIntent opens a new intent for a pending order, e.g. after the first
// one expired or failed.
func (p *Pipeline) CreateIntent(ctx context.Context, orderID uuid.UUID, method string, ttl time.Duration) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.CreateIntent")
	defer span.End()

	return storage.InTx(ctx, p.pool, func(tx pgx.Tx) (*Payment, error) {
		o, err := order.Lock(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status != order.StatusPending {
			return nil, &apperr.InvalidTransitionError{
				OrderID: o.ID.String(),
				From:    string(o.Status),
				To:      string(order.StatusPaid),
			}
		}
		return p.CreateIntentTx(ctx, tx, o, method, ttl)
	})
}

// EnsureStartable reports why a payment can no longer be started.
func EnsureStartable(pay *Payment, now time.Time) (string, bool) {
	switch {
	case pay.Status == StatusExpired:
		return "payment expired", false
	case pay.Status.Terminal():
		return fmt.Sprintf("payment is %s", pay.Status), false
	case pay.Status == StatusProcessing:
		return "payment already started", false
	case !now.Before(pay.ExpiresAt):
		return "payment expired", false
	}
	return "", true
}

type StartResult struct {
	Payment     *Payment
	RedirectURL string
}

// Start hands an init intent to the provider. The provider call happens
// before any row is locked; the intent is re-checked afterwards.
func (p *Pipeline) Start(ctx context.Context, paymentID uuid.UUID, client Client) (StartResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Start")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID.String()))

	pay, err := getPayment(ctx, p.pool, paymentID, false)
	if err != nil {
		return StartResult{}, err
	}
	if reason, ok := EnsureStartable(pay, p.now()); !ok {
		if reason == "payment expired" {
			return StartResult{}, fmt.Errorf("payment %s: %w", pay.ID, apperr.ErrPaymentExpired)
		}
		return StartResult{}, apperr.Validation("payment", "%s", reason)
	}
	if err := p.guard.Check(pay.Amount, client); err != nil {
		return StartResult{}, err
	}

	resp, err := p.provider.CreatePayment(ctx, provider.CreatePaymentRequest{
		PaymentID: pay.ID.String(),
		OrderID:   pay.OrderID.String(),
		Amount:    pay.Amount,
		Currency:  pay.Currency,
		Method:    pay.Method,
		ExpiresAt: pay.ExpiresAt,
	})
	if err != nil {
		span.RecordError(err)
		return StartResult{}, fmt.Errorf("create provider payment: %w", err)
	}

	started, err := storage.InTx(ctx, p.pool, func(tx pgx.Tx) (*Payment, error) {
		if _, err := order.Lock(ctx, tx, pay.OrderID); err != nil {
			return nil, err
		}
		cur, err := getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusInit {
			return nil, apperr.Validation("payment", "payment is %s", cur.Status)
		}
		if !p.now().Before(cur.ExpiresAt) {
			return nil, fmt.Errorf("payment %s: %w", cur.ID, apperr.ErrPaymentExpired)
		}

		if _, err := tx.Exec(ctx, `UPDATE payments SET provider_ref = $2 WHERE id = $1`, cur.ID, resp.Reference); err != nil {
			return nil, fmt.Errorf("store provider ref: %w", err)
		}
		cur.ProviderRef = resp.Reference
		if err := p.setStatus(ctx, tx, cur, StatusProcessing, EventStarted, "ref="+resp.Reference); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrPaymentExpired) {
			p.logger.Info("payment expired while starting", "payment_id", paymentID)
		}
		return StartResult{}, err
	}

	p.logger.Info("payment started", "payment_id", started.ID, "order_id", started.OrderID, "provider_ref", started.ProviderRef)
	return StartResult{Payment: started, RedirectURL: resp.RedirectURL}, nil
}

func (p *Pipeline) providerName() string {
	if p.provider == nil {
		return ""
	}
	return p.provider.Name()
}
