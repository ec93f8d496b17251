package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/storage"
	"gozon/fulfillment/pkg/contracts"
)

// Callback is a provider notification about one payment.
type Callback struct {
	// EventID dedupes redelivered broker messages. Empty for webhooks.
	EventID     string
	PaymentID   uuid.UUID
	ProviderRef string
	Payload     []byte
	Signature   string
	// Trusted skips signature verification, for payloads fetched from the
	// provider by the service itself.
	Trusted bool
	// Operator is set for manual confirmations.
	Operator string
}

type CallbackOutcome string

const (
	OutcomeSettled         CallbackOutcome = "settled"
	OutcomeDuplicate       CallbackOutcome = "duplicate"
	OutcomeLate            CallbackOutcome = "late"
	OutcomeFailed          CallbackOutcome = "failed"
	OutcomeOrderNotPending CallbackOutcome = "order_not_pending"
	OutcomeIgnored         CallbackOutcome = "ignored"
)

type CallbackResult struct {
	PaymentID uuid.UUID
	OrderID   uuid.UUID
	Outcome   CallbackOutcome
}

// HandleCallback applies a provider callback exactly once. Redelivery,
// reordering and races with the expiry sweep all converge on the same state.
func (p *Pipeline) HandleCallback(ctx context.Context, cb Callback) (CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "payment.HandleCallback")
	defer span.End()

	res, pay, transition, err := p.handleCallback(ctx, cb)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("payment.id", res.PaymentID.String()),
		attribute.String("payment.callback_outcome", string(res.Outcome)),
	)

	p.logger.Info("payment callback handled",
		"payment_id", res.PaymentID, "order_id", res.OrderID, "outcome", res.Outcome)

	if res.Outcome == OutcomeSettled {
		actor := "provider"
		if cb.Operator != "" {
			actor = cb.Operator
		}
		p.afterSettlement(ctx, pay, transition, actor)
	}
	return res, nil
}

func (p *Pipeline) handleCallback(ctx context.Context, cb Callback) (CallbackResult, *Payment, order.TransitionResult, error) {
	var none order.TransitionResult

	if !cb.Trusted {
		if err := p.provider.VerifyCallback(cb.Payload, cb.Signature); err != nil {
			return CallbackResult{}, nil, none, err
		}
	}

	pay, err := p.resolve(ctx, cb)
	if err != nil {
		return CallbackResult{}, nil, none, err
	}
	res := CallbackResult{PaymentID: pay.ID, OrderID: pay.OrderID}

	reported := ExtractOutcome(cb.Payload)
	if reported == provider.OutcomePending {
		res.Outcome = OutcomeIgnored
		return res, pay, none, nil
	}

	amount, err := ExtractAmount(cb.Payload, pay.Currency)
	switch {
	case err == nil:
		if amount != pay.Amount {
			return res, pay, none, &apperr.AmountMismatchError{
				PaymentID: pay.ID.String(),
				Expected:  pay.Amount,
				Reported:  amount,
			}
		}
	case reported == provider.OutcomeSucceeded:
		return res, pay, none, err
	}

	var transition order.TransitionResult
	err = storage.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if cb.EventID != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO payment_inbox (event_id, event_type)
				VALUES ($1, $2)
				ON CONFLICT (event_id) DO NOTHING`,
				cb.EventID, contracts.EventPaymentCallback,
			)
			if err != nil {
				return fmt.Errorf("insert inbox: %w", err)
			}
			if tag.RowsAffected() == 0 {
				res.Outcome = OutcomeDuplicate
				return nil
			}
		}

		o, err := order.Lock(ctx, tx, pay.OrderID)
		if err != nil {
			return err
		}
		cur, err := getPayment(ctx, tx, pay.ID, true)
		if err != nil {
			return err
		}
		*pay = *cur

		switch {
		case cur.Status == StatusSucceeded:
			res.Outcome = OutcomeDuplicate
			return nil
		case cur.Status == StatusExpired || cur.Status == StatusFailed:
			res.Outcome = OutcomeLate
			detail := fmt.Sprintf("reported=%s status=%s", reported, cur.Status)
			return appendLog(ctx, tx, "payment_events", "payment_id", cur.ID, p.now().UTC(), EventLateCallback, detail)
		case reported == provider.OutcomeFailed:
			res.Outcome = OutcomeFailed
			return p.setStatus(ctx, tx, cur, StatusFailed, EventFailed, "reported by provider")
		case o.Status != order.StatusPending:
			res.Outcome = OutcomeOrderNotPending
			event := EventOrderNotPending
			if o.PaidAt != nil {
				event = EventAlreadySettled
			}
			return appendLog(ctx, tx, "payment_events", "payment_id", cur.ID, p.now().UTC(), event, "order is "+string(o.Status))
		}

		if cb.Operator != "" {
			if err := appendLog(ctx, tx, "payment_events", "payment_id", cur.ID, p.now().UTC(), EventManualConfirm, "operator="+cb.Operator); err != nil {
				return err
			}
		}
		detail := "amount=" + FormatMajor(cur.Amount, cur.Currency)
		if err := p.setStatus(ctx, tx, cur, StatusSucceeded, EventSucceeded, detail); err != nil {
			return err
		}

		operator := cb.Operator
		if operator == "" {
			operator = "payment:" + cur.ID.String()
		}
		transition, err = p.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  cur.OrderID,
			To:       order.StatusPaid,
			Expect:   []order.Status{order.StatusPending},
			Operator: operator,
			Note:     "payment succeeded",
		})
		if err != nil {
			return err
		}
		res.Outcome = OutcomeSettled
		return nil
	})
	if err != nil {
		return res, pay, none, err
	}
	return res, pay, transition, nil
}

func (p *Pipeline) resolve(ctx context.Context, cb Callback) (*Payment, error) {
	id, ref := cb.PaymentID, cb.ProviderRef
	if id == uuid.Nil && ref == "" {
		id, ref = ExtractTarget(cb.Payload)
	}
	if id != uuid.Nil {
		return getPayment(ctx, p.pool, id, false)
	}
	if ref == "" {
		return nil, apperr.Validation("payment_id", "callback does not identify a payment")
	}

	pay, err := scanPayment(p.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment with reference %q: %w", ref, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment by reference: %w", err)
	}
	return pay, nil
}

// ConfirmManual settles a payment on an operator's word, with the amount the
// intent was created for.
func (p *Pipeline) ConfirmManual(ctx context.Context, paymentID uuid.UUID, operator string) (CallbackResult, error) {
	if operator == "" {
		return CallbackResult{}, apperr.Validation("operator", "operator is required")
	}
	pay, err := getPayment(ctx, p.pool, paymentID, false)
	if err != nil {
		return CallbackResult{}, err
	}
	payload, err := json.Marshal(map[string]any{
		"payment_id":   pay.ID.String(),
		"status":       string(provider.OutcomeSucceeded),
		"amount_minor": pay.Amount,
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("marshal manual confirmation: %w", err)
	}
	return p.HandleCallback(ctx, Callback{
		PaymentID: pay.ID,
		Payload:   payload,
		Trusted:   true,
		Operator:  operator,
	})
}

// HandleQueued is the broker entry point for callbacks relayed through
// the payments.callbacks queue.
func (p *Pipeline) HandleQueued(ctx context.Context, msg contracts.PaymentCallbackMessage) error {
	cb := Callback{
		EventID:   msg.EventID,
		Payload:   msg.Payload,
		Signature: msg.Signature,
	}
	if msg.PaymentID != "" {
		id, err := uuid.Parse(msg.PaymentID)
		if err != nil {
			return apperr.Permanent(fmt.Errorf("invalid payment id %q: %w", msg.PaymentID, err))
		}
		cb.PaymentID = id
	}

	_, err := p.HandleCallback(ctx, cb)
	return err
}
