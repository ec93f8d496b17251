package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/storage"
)

var tracer = otel.Tracer("gozon/fulfillment/shipping")

// DefaultDeliveredCodes are platform error codes meaning the shipment is
// already known to the platform.
var DefaultDeliveredCodes = []string{"already_delivered", "already_shipped"}

// PendingGrace is how long a never-attempted record waits before the sweep
// takes it over from the request that created it.
const PendingGrace = time.Minute

// resultTimeout bounds writing an attempt's result after the caller's
// context is gone.
const resultTimeout = 5 * time.Second

type Retrier struct {
	pool      *pgxpool.Pool
	platform  provider.LogisticsPlatform
	policy    Policy
	delivered []string
	logger    *slog.Logger
	now       func() time.Time
}

func NewRetrier(pool *pgxpool.Pool, platform provider.LogisticsPlatform, policy Policy, delivered []string, logger *slog.Logger, clock func() time.Time) *Retrier {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(delivered) == 0 {
		delivered = DefaultDeliveredCodes
	}
	return &Retrier{
		pool:      pool,
		platform:  platform,
		policy:    policy,
		delivered: delivered,
		logger:    logger,
		now:       clock,
	}
}

const recordColumns = `
	id, order_id, status, payload, last_response, error, retry_count, next_retry_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.OrderID, &r.Status, &r.Payload, &r.LastResponse, &r.Error,
		&r.RetryCount, &r.NextRetryAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnqueueTx creates the sync record for a shipped order inside the
// transaction that moved it to shipped. A second call for the same order
// returns the existing record.
func (r *Retrier) EnqueueTx(ctx context.Context, tx pgx.Tx, o *order.Order, s Shipment) (*Record, error) {
	if s.Carrier == "" {
		return nil, apperr.Validation("carrier", "carrier is required")
	}
	if s.TrackingNumber == "" {
		return nil, apperr.Validation("tracking_number", "tracking number is required")
	}

	body, err := json.Marshal(payload{
		OrderID:        o.ID.String(),
		ExternalID:     o.ExternalID,
		Carrier:        s.Carrier,
		TrackingNumber: s.TrackingNumber,
		SKU:            o.SKU,
		Quantity:       o.Quantity,
		Recipient:      o.Shipping.Name,
		Phone:          o.Shipping.Phone,
		Address:        o.Shipping.Raw,
		Region:         o.Shipping.Region,
		City:           o.Shipping.City,
		District:       o.Shipping.District,
		Street:         o.Shipping.Street,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal shipment payload: %w", err)
	}

	now := r.now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO order_shipping_syncs (id, order_id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		uuid.New(), o.ID, StatusPending, body, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert shipping sync: %w", err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM order_shipping_syncs WHERE order_id = $1`, o.ID))
	if err != nil {
		return nil, fmt.Errorf("read shipping sync: %w", err)
	}
	return rec, nil
}

func (r *Retrier) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM order_shipping_syncs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("shipping sync %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get shipping sync: %w", err)
	}
	return rec, nil
}

func (r *Retrier) GetForOrder(ctx context.Context, orderID uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM order_shipping_syncs WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("shipping sync for order %s: %w", orderID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get shipping sync: %w", err)
	}
	return rec, nil
}

// ListDue returns failed records whose retry time has come and pending
// records whose first upload never finished, earliest first. Parked records
// have no retry time and are never due.
func (r *Retrier) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM order_shipping_syncs
		WHERE (status = 'failed' AND next_retry_at <= $1)
		   OR (status = 'pending' AND updated_at <= $2)
		ORDER BY COALESCE(next_retry_at, updated_at)
		LIMIT $3`, now, now.Add(-PendingGrace), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due shipping syncs: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeParked    Outcome = "parked"
	OutcomeSkipped   Outcome = "skipped"
)

// Attempt uploads the record's payload once and stores the result. The
// platform call runs outside any transaction. A transient failure schedules
// the next attempt from the retry policy; a permanent one parks the record.
// The returned error is the upload failure, already recorded.
func (r *Retrier) Attempt(ctx context.Context, id uuid.UUID) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "shipping.Attempt")
	defer span.End()
	span.SetAttributes(attribute.String("shipping.id", id.String()))

	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status == StatusSucceeded {
		return OutcomeSkipped, nil
	}

	var upload payload
	if err := json.Unmarshal(rec.Payload, &upload); err != nil {
		return "", apperr.Permanent(fmt.Errorf("decode shipment payload: %w", err))
	}

	result, uploadErr := r.platform.UploadShipment(ctx, provider.ShipmentUpload{
		OrderID:        upload.OrderID,
		ExternalID:     upload.ExternalID,
		Carrier:        upload.Carrier,
		TrackingNumber: upload.TrackingNumber,
		Payload:        rec.Payload,
	})

	var platformErr *provider.PlatformError
	if errors.As(uploadErr, &platformErr) && slices.Contains(r.delivered, platformErr.Code) {
		r.logger.Info("shipment already known to platform", "order_id", rec.OrderID, "code", platformErr.Code)
		uploadErr = nil
	}

	if uploadErr == nil {
		if err := r.markSynced(ctx, rec, result); err != nil {
			return "", err
		}
		r.logger.Info("shipment synced", "order_id", rec.OrderID, "attempt", rec.RetryCount+1)
		return OutcomeSynced, nil
	}

	span.RecordError(uploadErr)
	permanent := !apperr.IsTransient(uploadErr)
	outcome, retries, err := r.markFailed(ctx, rec, result.Response, uploadErr, permanent)
	if err != nil {
		return "", errors.Join(uploadErr, err)
	}
	if outcome == OutcomeSkipped {
		return outcome, nil
	}

	r.logger.Warn("shipment upload failed",
		"order_id", rec.OrderID, "outcome", outcome, "retry_count", retries, "err", uploadErr)
	if permanent {
		return outcome, apperr.Permanent(fmt.Errorf("upload shipment for order %s: %w", rec.OrderID, uploadErr))
	}
	return outcome, fmt.Errorf("upload shipment for order %s: %w", rec.OrderID, uploadErr)
}

func (r *Retrier) markSynced(ctx context.Context, rec *Record, result provider.UploadResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultTimeout)
	defer cancel()

	return storage.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE order_shipping_syncs
			SET status = $2, last_response = $3, error = '', next_retry_at = NULL, updated_at = $4
			WHERE id = $1 AND status <> 'succeeded'`,
			rec.ID, StatusSucceeded, result.Response, r.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("mark shipping synced: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return order.SetExternalID(ctx, tx, rec.OrderID, result.ExternalID, order.ExternalShipmentSynced)
	})
}

// markFailed counts the attempt in the row itself so overlapping attempts
// never lose an increment, then schedules the next one from that count. A
// record another attempt already synced is left alone.
func (r *Retrier) markFailed(ctx context.Context, rec *Record, response string, cause error, permanent bool) (Outcome, int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultTimeout)
	defer cancel()

	now := r.now().UTC()
	outcome := OutcomeParked
	if !permanent {
		outcome = OutcomeScheduled
	}

	var retries int
	err := storage.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE order_shipping_syncs
			SET status = $2, last_response = $3, error = $4, retry_count = retry_count + 1,
			    next_retry_at = NULL, updated_at = $5
			WHERE id = $1 AND status <> 'succeeded'
			RETURNING retry_count`,
			rec.ID, StatusFailed, response, cause.Error(), now,
		).Scan(&retries)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = OutcomeSkipped
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark shipping failed: %w", err)
		}
		if permanent {
			return nil
		}

		next := now.Add(r.policy.Delay(retries))
		if _, err := tx.Exec(ctx, `UPDATE order_shipping_syncs SET next_retry_at = $2 WHERE id = $1`, rec.ID, next); err != nil {
			return fmt.Errorf("schedule shipping retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return outcome, retries, nil
}
