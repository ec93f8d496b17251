package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/audit"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/storage"
)

const refundColumns = `id, order_id, payment_id, amount, status, reason, created_at, updated_at`

func scanRefund(row pgx.Row) (*Refund, error) {
	var r Refund
	if err := row.Scan(&r.ID, &r.OrderID, &r.PaymentID, &r.Amount, &r.Status, &r.Reason, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func getRefund(ctx context.Context, db storage.DBTX, id uuid.UUID, forUpdate bool) (*Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRefund(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("refund %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return r, nil
}

func (p *Pipeline) GetRefund(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, err := getRefund(ctx, p.pool, id, false)
	if err != nil {
		return nil, err
	}
	r.Log, err = readLog(ctx, p.pool, "refund_events", "refund_id", id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type RefundRequest struct {
	OrderID  uuid.UUID
	Amount   int64
	Reason   string
	Operator string
}

// RequestRefund opens a refund against the settled payment of a paid or
// shipped order and moves the order into refunding. Several partial refunds
// may be open at once as long as their sum stays within what was paid.
func (p *Pipeline) RequestRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	ctx, span := tracer.Start(ctx, "payment.RequestRefund")
	defer span.End()

	if req.Amount <= 0 {
		return nil, apperr.Validation("amount", "must be positive")
	}

	var transition order.TransitionResult
	refund, err := storage.InTx(ctx, p.pool, func(tx pgx.Tx) (*Refund, error) {
		o, err := order.Lock(ctx, tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		switch o.Status {
		case order.StatusPaid, order.StatusShipped, order.StatusRefunding:
		default:
			return nil, &apperr.InvalidTransitionError{
				OrderID: o.ID.String(),
				From:    string(o.Status),
				To:      string(order.StatusRefunding),
			}
		}

		var (
			paymentID uuid.UUID
			paid      int64
			committed int64
		)
		err = tx.QueryRow(ctx, `
			SELECT p.id, p.amount,
				COALESCE((SELECT SUM(r.amount) FROM refunds r WHERE r.order_id = p.order_id AND r.status <> 'failed'), 0)
			FROM payments p
			WHERE p.order_id = $1 AND p.status = 'succeeded'`, o.ID,
		).Scan(&paymentID, &paid, &committed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperr.Validation("order", "order %s has no settled payment", o.ID)
			}
			return nil, fmt.Errorf("sum refunds: %w", err)
		}
		if committed+req.Amount > paid {
			return nil, apperr.Validation("amount", "refund of %d exceeds the refundable %d", req.Amount, paid-committed)
		}

		now := p.now().UTC()
		r := &Refund{
			ID:        uuid.New(),
			OrderID:   o.ID,
			PaymentID: &paymentID,
			Amount:    req.Amount,
			Status:    RefundPending,
			Reason:    req.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO refunds (id, order_id, payment_id, amount, status, reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			r.ID, r.OrderID, r.PaymentID, r.Amount, r.Status, r.Reason, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert refund: %w", err)
		}
		if err := appendLog(ctx, tx, "refund_events", "refund_id", r.ID, now, EventRefundRequested, "operator="+req.Operator); err != nil {
			return nil, err
		}

		transition, err = p.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  o.ID,
			To:       order.StatusRefunding,
			Expect:   []order.Status{order.StatusPaid, order.StatusShipped},
			Operator: req.Operator,
			Note:     req.Reason,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	p.orders.AfterCommit(transition)
	p.record(ctx, auditRefund("refund.requested", refund, req.Operator))
	return refund, nil
}

type RefundCompletion struct {
	RefundID  uuid.UUID
	Succeeded bool
	Detail    string
	Operator  string
}

// CompleteRefund records the outcome of a refund. Once succeeded refunds
// cover the settled amount the order becomes refunded.
func (p *Pipeline) CompleteRefund(ctx context.Context, c RefundCompletion) (*Refund, error) {
	ctx, span := tracer.Start(ctx, "payment.CompleteRefund")
	defer span.End()

	r, err := getRefund(ctx, p.pool, c.RefundID, false)
	if err != nil {
		return nil, err
	}

	var transition order.TransitionResult
	refund, err := storage.InTx(ctx, p.pool, func(tx pgx.Tx) (*Refund, error) {
		if _, err := order.Lock(ctx, tx, r.OrderID); err != nil {
			return nil, err
		}
		cur, err := getRefund(ctx, tx, r.ID, true)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return cur, nil
		}

		status, event := RefundFailed, EventRefundFailed
		if c.Succeeded {
			status, event = RefundSucceeded, EventRefundSucceeded
		}
		now := p.now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE refunds SET status = $2, updated_at = $3 WHERE id = $1`, cur.ID, status, now); err != nil {
			return nil, fmt.Errorf("update refund: %w", err)
		}
		cur.Status = status
		cur.UpdatedAt = now
		detail := c.Detail
		if c.Operator != "" {
			detail = fmt.Sprintf("operator=%s %s", c.Operator, c.Detail)
		}
		if err := appendLog(ctx, tx, "refund_events", "refund_id", cur.ID, now, event, detail); err != nil {
			return nil, err
		}
		if !c.Succeeded {
			return cur, nil
		}

		var covered bool
		err = tx.QueryRow(ctx, `
			SELECT
				COALESCE((SELECT SUM(amount) FROM refunds WHERE order_id = $1 AND status = 'succeeded'), 0) >=
				COALESCE((SELECT SUM(amount) FROM payments WHERE order_id = $1 AND status = 'succeeded'), 0)`,
			cur.OrderID,
		).Scan(&covered)
		if err != nil {
			return nil, fmt.Errorf("compare refund totals: %w", err)
		}
		if !covered {
			return cur, nil
		}

		transition, err = p.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  cur.OrderID,
			To:       order.StatusRefunded,
			Expect:   []order.Status{order.StatusRefunding},
			Operator: c.Operator,
			Note:     "refunds cover the settled amount",
		})
		if err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	p.orders.AfterCommit(transition)
	if transition.Applied && transition.Order != nil {
		err := p.notifier.Dispatch(ctx, transition.Order.UserID, notify.TemplateRefundCompleted, map[string]any{
			"order_id":  transition.Order.ID.String(),
			"refund_id": refund.ID.String(),
		})
		if err != nil {
			p.logger.Warn("refund notification failed", "order_id", transition.Order.ID, "err", err)
		}
	}
	p.record(ctx, auditRefund("refund."+string(refund.Status), refund, c.Operator))
	return refund, nil
}

func (p *Pipeline) ListRefunds(ctx context.Context, orderID uuid.UUID) ([]Refund, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Refund, error) {
		r, err := scanRefund(row)
		if err != nil {
			return Refund{}, err
		}
		return *r, nil
	})
}

func auditRefund(kind string, r *Refund, actor string) audit.Event {
	return audit.Event{
		Kind:      kind,
		SubjectID: r.ID.String(),
		Actor:     actor,
		Data:      map[string]any{"order_id": r.OrderID.String(), "amount": r.Amount, "reason": r.Reason},
	}
}
