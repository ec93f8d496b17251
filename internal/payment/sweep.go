package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/storage"
)

// ListOverdue returns open intents whose deadline passed before now.
func (p *Pipeline) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id
		FROM payments
		WHERE status IN ('init', 'processing') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query overdue payments: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListAmbiguous returns intents handed to the provider before cutoff that
// never received a conclusive callback.
func (p *Pipeline) ListAmbiguous(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id
		FROM payments
		WHERE status = 'processing' AND provider_ref IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ambiguous payments: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

type ExpireResult struct {
	PaymentID      uuid.UUID
	OrderID        uuid.UUID
	Expired        bool
	OrderCancelled bool
}

// ExpireOne expires an overdue intent and cancels its order when the order
// is still pending and has no other live intent. Re-running it is a no-op.
func (p *Pipeline) ExpireOne(ctx context.Context, paymentID uuid.UUID) (ExpireResult, error) {
	ctx, span := tracer.Start(ctx, "payment.ExpireOne")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID.String()))

	pay, err := getPayment(ctx, p.pool, paymentID, false)
	if err != nil {
		return ExpireResult{}, err
	}

	var transition order.TransitionResult
	res, err := storage.InTx(ctx, p.pool, func(tx pgx.Tx) (ExpireResult, error) {
		res := ExpireResult{PaymentID: pay.ID, OrderID: pay.OrderID}
		now := p.now().UTC()

		if _, err := order.Lock(ctx, tx, pay.OrderID); err != nil {
			return res, err
		}
		cur, err := getPayment(ctx, tx, pay.ID, true)
		if err != nil {
			return res, err
		}
		if !cur.Status.Open() || now.Before(cur.ExpiresAt) {
			return res, nil
		}
		if err := p.setStatus(ctx, tx, cur, StatusExpired, EventExpired, "deadline "+cur.ExpiresAt.Format(time.RFC3339)); err != nil {
			return res, err
		}
		res.Expired = true

		live, err := hasLiveIntent(ctx, tx, cur.OrderID, now)
		if err != nil || live {
			return res, err
		}
		transition, err = p.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  cur.OrderID,
			To:       order.StatusCancelled,
			Expect:   []order.Status{order.StatusPending},
			Operator: "system:payment-expiry",
			Note:     "payment " + cur.ID.String() + " expired",
			Reason:   "payment expired",
		})
		if err != nil {
			return res, err
		}
		res.OrderCancelled = transition.Applied
		return res, nil
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	if res.OrderCancelled {
		p.afterCancel(ctx, transition, "payment expired")
	}
	return res, nil
}

// ExpireForOrderTx expires every open intent of an order being cancelled.
// The order row must already be locked by tx.
func (p *Pipeline) ExpireForOrderTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1 AND status IN ('init', 'processing')
		ORDER BY created_at
		FOR UPDATE`, orderID,
	)
	if err != nil {
		return 0, fmt.Errorf("query open payments: %w", err)
	}
	open, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Payment, error) {
		return scanPayment(row)
	})
	if err != nil {
		return 0, fmt.Errorf("scan open payments: %w", err)
	}

	for _, pay := range open {
		if err := p.setStatus(ctx, tx, pay, StatusExpired, EventExpired, "order cancelled"); err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

// CancelPending cancels an order that is still pending, expiring its
// outstanding intents in the same transaction. Orders in any other status
// are left alone.
func (p *Pipeline) CancelPending(ctx context.Context, orderID uuid.UUID, operator, reason string) (order.TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "payment.CancelPending")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	res, err := storage.InTx(ctx, p.pool, func(tx pgx.Tx) (order.TransitionResult, error) {
		o, err := order.Lock(ctx, tx, orderID)
		if err != nil {
			return order.TransitionResult{}, err
		}
		if o.Status != order.StatusPending {
			return order.TransitionResult{Order: o, From: o.Status, To: order.StatusCancelled}, nil
		}
		if _, err := p.ExpireForOrderTx(ctx, tx, orderID); err != nil {
			return order.TransitionResult{}, err
		}
		return p.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  orderID,
			To:       order.StatusCancelled,
			Expect:   []order.Status{order.StatusPending},
			Operator: operator,
			Note:     reason,
			Reason:   reason,
		})
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	p.afterCancel(ctx, res, reason)
	return res, nil
}

type ReconcileOutcome string

const (
	ReconcileSettled ReconcileOutcome = "settled"
	ReconcileFailed  ReconcileOutcome = "failed"
	ReconcileExpired ReconcileOutcome = "expired"
	ReconcilePending ReconcileOutcome = "pending"
	ReconcileSkipped ReconcileOutcome = "skipped"
)

// ReconcileOne asks the provider about an ambiguous payment. Only an outcome
// confirmed by the provider, or the intent's own deadline, changes state.
func (p *Pipeline) ReconcileOne(ctx context.Context, paymentID uuid.UUID) (ReconcileOutcome, error) {
	ctx, span := tracer.Start(ctx, "payment.ReconcileOne")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID.String()))

	pay, err := getPayment(ctx, p.pool, paymentID, false)
	if err != nil {
		return "", err
	}
	if pay.Status != StatusProcessing || pay.ProviderRef == "" {
		return ReconcileSkipped, nil
	}

	report, err := p.provider.QueryPayment(ctx, pay.ProviderRef)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("query provider for payment %s: %w", pay.ID, err)
	}

	switch report.Outcome {
	case provider.OutcomeSucceeded:
		res, err := p.HandleCallback(ctx, Callback{
			PaymentID:   pay.ID,
			ProviderRef: pay.ProviderRef,
			Payload:     report.Raw,
			Trusted:     true,
		})
		if err != nil {
			return "", err
		}
		if res.Outcome == OutcomeSettled {
			return ReconcileSettled, nil
		}
		return ReconcileSkipped, nil

	case provider.OutcomeFailed:
		applied, err := p.markFailed(ctx, pay, "provider query reported failure")
		if err != nil || !applied {
			return ReconcileSkipped, err
		}
		return ReconcileFailed, nil
	}

	if !p.now().Before(pay.ExpiresAt) {
		res, err := p.ExpireOne(ctx, pay.ID)
		if err != nil {
			return "", err
		}
		if res.Expired {
			return ReconcileExpired, nil
		}
		return ReconcileSkipped, nil
	}
	return ReconcilePending, nil
}

func (p *Pipeline) markFailed(ctx context.Context, pay *Payment, detail string) (bool, error) {
	return storage.InTx(ctx, p.pool, func(tx pgx.Tx) (bool, error) {
		if _, err := order.Lock(ctx, tx, pay.OrderID); err != nil {
			return false, err
		}
		cur, err := getPayment(ctx, tx, pay.ID, true)
		if err != nil {
			return false, err
		}
		if !cur.Status.Open() {
			return false, nil
		}
		return true, p.setStatus(ctx, tx, cur, StatusFailed, EventFailed, detail)
	})
}

func hasLiveIntent(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, now time.Time) (bool, error) {
	var live bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE order_id = $1 AND status IN ('init', 'processing') AND expires_at > $2
		)`, orderID, now,
	).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("check live intents: %w", err)
	}
	return live, nil
}

func (p *Pipeline) afterCancel(ctx context.Context, res order.TransitionResult, reason string) {
	p.orders.AfterCommit(res)
	if !res.Applied || res.Order == nil {
		return
	}
	err := p.notifier.Dispatch(ctx, res.Order.UserID, notify.TemplateOrderCancelled, map[string]any{
		"order_id": res.Order.ID.String(),
		"reason":   reason,
	})
	if err != nil {
		p.logger.Warn("cancel notification failed", "order_id", res.Order.ID, "err", err)
	}
}
