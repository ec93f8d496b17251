package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/storage"
)

type RollbackResult struct {
	OrderID  uuid.UUID
	Restored Status
	Applied  bool
}

// RollbackCancellation reverts an order that was cancelled locally while the
// external platform rejected the cancellation. The prior status comes from the
// history row that recorded the cancellation, and the released stock is
// reserved again. Operator-invoked only.
func (m *Machine) RollbackCancellation(ctx context.Context, orderID uuid.UUID, operator string, dryRun bool) (RollbackResult, error) {
	ctx, span := tracer.Start(ctx, "order.RollbackCancellation")
	defer span.End()

	var restored Order
	res, err := storage.InTx(ctx, m.pool, func(tx pgx.Tx) (RollbackResult, error) {
		res := RollbackResult{OrderID: orderID}

		o, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return res, err
		}
		if o.Status != StatusCancelled || o.ExternalStatus != ExternalCancelFailed {
			return res, nil
		}

		var prior Status
		err = tx.QueryRow(ctx, `
			SELECT from_status
			FROM order_status_history
			WHERE order_id = $1 AND to_status = $2
			ORDER BY id DESC
			LIMIT 1`, orderID, StatusCancelled,
		).Scan(&prior)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return res, apperr.Permanent(fmt.Errorf("order %s: no cancellation in history", orderID))
			}
			return res, fmt.Errorf("find prior status: %w", err)
		}
		res.Restored = prior

		if dryRun {
			return res, nil
		}

		if o.InventoryReleasedAt != nil {
			if err := m.stock.Reserve(ctx, tx, o.SKU, o.Quantity); err != nil {
				return res, apperr.Permanent(fmt.Errorf("re-reserve inventory: %w", err))
			}
		}

		now := m.now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, cancel_reason = NULL, cancelled_at = NULL, inventory_released_at = NULL,
			    external_status = $3, external_error = NULL, updated_at = $4
			WHERE id = $1`,
			orderID, prior, ExternalCancelRolledBack, now,
		)
		if err != nil {
			return res, fmt.Errorf("restore order: %w", err)
		}
		o.Status = prior
		o.ExternalStatus = ExternalCancelRolledBack
		o.ExternalError = ""
		o.CancelReason = ""
		o.CancelledAt = nil
		o.InventoryReleasedAt = nil
		o.UpdatedAt = now
		restored = *o

		note := "rollback after failed external cancellation"
		if err := appendHistory(ctx, tx, orderID, StatusCancelled, prior, operator, note, now); err != nil {
			return res, err
		}
		if err := m.enqueueStatusChanged(ctx, tx, o, StatusCancelled, TransitionRequest{
			OrderID:  orderID,
			To:       prior,
			Operator: operator,
			Note:     note,
		}, now); err != nil {
			return res, err
		}

		res.Applied = true
		return res, nil
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	if res.Applied && m.listener != nil {
		m.listener.OrderChanged(restored, StatusCancelled)
	}
	return res, nil
}
