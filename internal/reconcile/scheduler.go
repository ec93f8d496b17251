package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker grants leadership for one tick.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// AdvisoryLocker holds a session advisory lock on a dedicated connection
// for the duration of a tick.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	key  int64
}

const SchedulerLockKey int64 = 0x72656330

func NewAdvisoryLocker(pool *pgxpool.Pool, key int64) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, key: key}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			// Drop the session so the lock dies with it.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return release, true, nil
}

// Task is one sweep run by the scheduler.
type Task struct {
	Name string
	Run  func(ctx context.Context) (Report, error)
}

type Scheduler struct {
	tasks    []Task
	locker   Locker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewScheduler(tasks []Task, locker Locker, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:    tasks,
		locker:   locker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// DefaultTasks are the sweeps run on every tick.
func DefaultTasks(s *Sweeper, unpaidTimeout, reconcileAfter time.Duration, shippingBatch int) []Task {
	return []Task{
		{Name: "expire-payments", Run: func(ctx context.Context) (Report, error) {
			return s.ExpirePayments(ctx, false)
		}},
		{Name: "cancel-unpaid", Run: func(ctx context.Context) (Report, error) {
			return s.CancelUnpaid(ctx, unpaidTimeout, false)
		}},
		{Name: "reconcile-payments", Run: func(ctx context.Context) (Report, error) {
			return s.ReconcileProvider(ctx, reconcileAfter, false)
		}},
		{Name: "retry-shipping", Run: func(ctx context.Context) (Report, error) {
			return s.RetryShipping(ctx, shippingBatch, false)
		}},
	}
}

// RunOnce runs every task if this instance wins the lock. It returns no
// reports when another instance holds it.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("reconcile tick skipped, another instance is sweeping")
			return nil, nil
		}
		defer release()
	}

	var (
		reports []Report
		errs    []error
	)
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := task.Run(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "sweep", task.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// carries on; it never exits on its own.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("reconcile scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconcile tick panicked", "panic", r)
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reconcile tick failed", "err", err)
	}
}
