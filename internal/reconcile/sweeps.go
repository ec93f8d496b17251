package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/shipping"
)

var tracer = otel.Tracer("gozon/fulfillment/reconcile")

type Orders interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ListCancelFailed(ctx context.Context, limit int) ([]uuid.UUID, error)
	RollbackCancellation(ctx context.Context, orderID uuid.UUID, operator string, dryRun bool) (order.RollbackResult, error)
}

// Canceller cancels an unpaid order together with its external counterpart.
type Canceller interface {
	CancelUnpaid(ctx context.Context, orderID uuid.UUID, reason string) (bool, error)
}

type Payments interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ExpireOne(ctx context.Context, paymentID uuid.UUID) (payment.ExpireResult, error)
	ListAmbiguous(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ReconcileOne(ctx context.Context, paymentID uuid.UUID) (payment.ReconcileOutcome, error)
}

type Shipping interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	Attempt(ctx context.Context, id uuid.UUID) (shipping.Outcome, error)
}

// Sweeper runs the periodic repairs. Every sweep lists candidates first and
// applies them one by one, each in its own transaction, so a failing
// candidate never stops the rest.
type Sweeper struct {
	orders    Orders
	canceller Canceller
	payments  Payments
	shipping  Shipping
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Orders    Orders
	Canceller Canceller
	Payments  Payments
	Shipping  Shipping
	// Batch caps the candidates handled per sweep.
	Batch  int
	Logger *slog.Logger
	Clock  func() time.Time
}

func NewSweeper(d Deps) *Sweeper {
	s := &Sweeper{
		orders:    d.Orders,
		canceller: d.Canceller,
		payments:  d.Payments,
		shipping:  d.Shipping,
		batch:     d.Batch,
		logger:    d.Logger,
		now:       d.Clock,
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CancelUnpaid cancels pending orders older than timeout that never settled.
func (s *Sweeper) CancelUnpaid(ctx context.Context, timeout time.Duration, dryRun bool) (Report, error) {
	cutoff := s.now().Add(-timeout)
	ids, err := s.orders.ListPendingOlderThan(ctx, cutoff, s.batch)
	if err != nil {
		return Report{Sweep: "cancel-unpaid", DryRun: dryRun}, err
	}

	reason := fmt.Sprintf("unpaid after %s", timeout)
	return s.run(ctx, "cancel-unpaid", "order_id", ids, dryRun, func(ctx context.Context, id uuid.UUID) (bool, error) {
		return s.canceller.CancelUnpaid(ctx, id, reason)
	}), nil
}

// ExpirePayments expires overdue intents and cancels orders left without one.
func (s *Sweeper) ExpirePayments(ctx context.Context, dryRun bool) (Report, error) {
	ids, err := s.payments.ListOverdue(ctx, s.now(), s.batch)
	if err != nil {
		return Report{Sweep: "expire-payments", DryRun: dryRun}, err
	}

	return s.run(ctx, "expire-payments", "payment_id", ids, dryRun, func(ctx context.Context, id uuid.UUID) (bool, error) {
		res, err := s.payments.ExpireOne(ctx, id)
		return res.Expired, err
	}), nil
}

// ReconcileProvider queries the provider for payments started more than
// olderThan ago that are still waiting for a callback.
func (s *Sweeper) ReconcileProvider(ctx context.Context, olderThan time.Duration, dryRun bool) (Report, error) {
	ids, err := s.payments.ListAmbiguous(ctx, s.now().Add(-olderThan), s.batch)
	if err != nil {
		return Report{Sweep: "reconcile-payments", DryRun: dryRun}, err
	}

	return s.run(ctx, "reconcile-payments", "payment_id", ids, dryRun, func(ctx context.Context, id uuid.UUID) (bool, error) {
		outcome, err := s.payments.ReconcileOne(ctx, id)
		if err != nil {
			return false, err
		}
		switch outcome {
		case payment.ReconcileSettled, payment.ReconcileFailed, payment.ReconcileExpired:
			return true, nil
		}
		return false, nil
	}), nil
}

// RetryShipping re-attempts due shipment uploads, at most batch of them.
func (s *Sweeper) RetryShipping(ctx context.Context, batch int, dryRun bool) (Report, error) {
	if batch <= 0 {
		batch = s.batch
	}
	ids, err := s.shipping.ListDue(ctx, s.now(), batch)
	if err != nil {
		return Report{Sweep: "retry-shipping", DryRun: dryRun}, err
	}

	return s.run(ctx, "retry-shipping", "shipping_id", ids, dryRun, func(ctx context.Context, id uuid.UUID) (bool, error) {
		outcome, err := s.shipping.Attempt(ctx, id)
		return outcome == shipping.OutcomeSynced, err
	}), nil
}

// RollbackCancellations reverts orders whose external cancellation failed.
// Operators run it explicitly; the scheduler never does.
func (s *Sweeper) RollbackCancellations(ctx context.Context, operator string, dryRun bool) (Report, error) {
	ids, err := s.orders.ListCancelFailed(ctx, s.batch)
	if err != nil {
		return Report{Sweep: "rollback-cancellations", DryRun: dryRun}, err
	}

	// Rollback has its own dry run that still validates the history lookup.
	rep := Report{Sweep: "rollback-cancellations", DryRun: dryRun, Candidates: len(ids)}
	for _, id := range ids {
		res, err := s.orders.RollbackCancellation(ctx, id, operator, dryRun)
		if err == nil && dryRun && res.Restored != "" {
			s.logger.Info("would apply", "sweep", rep.Sweep, "order_id", id, "restore", res.Restored)
		}
		s.count(&rep, "order_id", id, res.Applied, err)
	}
	s.logReport(rep)
	return rep, nil
}

func (s *Sweeper) run(ctx context.Context, name, key string, ids []uuid.UUID, dryRun bool, apply func(context.Context, uuid.UUID) (bool, error)) Report {
	ctx, span := tracer.Start(ctx, "reconcile."+name)
	defer span.End()

	rep := Report{Sweep: name, DryRun: dryRun, Candidates: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			rep.Deferred += len(ids) - (rep.Applied + rep.Skipped + rep.Deferred + rep.Failed)
			break
		}
		if dryRun {
			s.logger.Info("would apply", "sweep", name, key, id)
			rep.Skipped++
			continue
		}
		applied, err := apply(ctx, id)
		s.count(&rep, key, id, applied, err)
	}

	span.SetAttributes(
		attribute.Int("reconcile.candidates", rep.Candidates),
		attribute.Int("reconcile.applied", rep.Applied),
		attribute.Int("reconcile.failed", rep.Failed),
	)
	s.logReport(rep)
	return rep
}

func (s *Sweeper) count(rep *Report, key string, id uuid.UUID, applied bool, err error) {
	if err == nil {
		if applied {
			rep.Applied++
		} else {
			rep.Skipped++
		}
		return
	}

	switch classify(err) {
	case classSkipped:
		rep.Skipped++
		s.logger.Info("candidate vanished", "sweep", rep.Sweep, key, id, "err", err)
	case classFailed:
		rep.Failed++
		s.logger.Error("candidate failed", "sweep", rep.Sweep, key, id, "err", err)
	default:
		rep.Deferred++
		s.logger.Warn("candidate deferred", "sweep", rep.Sweep, key, id, "err", err)
	}
}

func (s *Sweeper) logReport(rep Report) {
	if rep.Candidates == 0 {
		s.logger.Debug("sweep finished", "sweep", rep.Sweep)
		return
	}
	s.logger.Info("sweep finished",
		"sweep", rep.Sweep,
		"dry_run", rep.DryRun,
		"candidates", rep.Candidates,
		"applied", rep.Applied,
		"skipped", rep.Skipped,
		"deferred", rep.Deferred,
		"failed", rep.Failed,
	)
}
