package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gozon/fulfillment/internal/config"
	"gozon/fulfillment/internal/reconcile"
)

type call struct {
	sweep  string
	dryRun bool
	arg    any
}

type fakeSweeper struct {
	calls  []call
	report reconcile.Report
}

func (f *fakeSweeper) record(sweep string, dryRun bool, arg any) (reconcile.Report, error) {
	f.calls = append(f.calls, call{sweep: sweep, dryRun: dryRun, arg: arg})
	rep := f.report
	rep.Sweep = sweep
	rep.DryRun = dryRun
	return rep, nil
}

func (f *fakeSweeper) CancelUnpaid(_ context.Context, timeout time.Duration, dryRun bool) (reconcile.Report, error) {
	return f.record("cancel-unpaid", dryRun, timeout)
}

func (f *fakeSweeper) ExpirePayments(_ context.Context, dryRun bool) (reconcile.Report, error) {
	return f.record("expire-payments", dryRun, nil)
}

func (f *fakeSweeper) ReconcileProvider(_ context.Context, olderThan time.Duration, dryRun bool) (reconcile.Report, error) {
	return f.record("reconcile-payments", dryRun, olderThan)
}

func (f *fakeSweeper) RetryShipping(_ context.Context, batch int, dryRun bool) (reconcile.Report, error) {
	return f.record("retry-shipping", dryRun, batch)
}

func (f *fakeSweeper) RollbackCancellations(_ context.Context, operator string, dryRun bool) (reconcile.Report, error) {
	return f.record("rollback-cancellations", dryRun, operator)
}

type fakeSales struct {
	dryRun bool
}

func (f *fakeSales) RebuildSales(_ context.Context, dryRun bool) (map[string]int, error) {
	f.dryRun = dryRun
	return map[string]int{"B": 2, "A": 5}, nil
}

func run(t *testing.T, sw *fakeSweeper, sales *fakeSales, args ...string) (string, error) {
	t.Helper()
	var cfg config.Config
	cfg.Reconcile.UnpaidTimeout = 45 * time.Minute

	e := &env{cfg: cfg, sweeper: sw, sales: sales}
	root := newRootCmd(e)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCommandsPassFlags(t *testing.T) {
	tests := []struct {
		args []string
		want call
	}{
		{[]string{"cancel-unpaid"}, call{"cancel-unpaid", false, 45 * time.Minute}},
		{[]string{"cancel-unpaid", "--timeout", "2h", "--dry-run"}, call{"cancel-unpaid", true, 2 * time.Hour}},
		{[]string{"--dry-run", "expire-payments"}, call{"expire-payments", true, nil}},
		{[]string{"reconcile-payments"}, call{"reconcile-payments", false, 5 * time.Minute}},
		{[]string{"retry-shipping", "--batch", "7"}, call{"retry-shipping", false, 7}},
		{[]string{"rollback-cancellations", "--operator", "alice", "--dry-run"}, call{"rollback-cancellations", true, "operator:alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.want.sweep, func(t *testing.T) {
			sw := &fakeSweeper{}
			out, err := run(t, sw, &fakeSales{}, tt.args...)
			require.NoError(t, err)
			require.Len(t, sw.calls, 1)
			assert.Equal(t, tt.want, sw.calls[0])
			assert.Contains(t, out, tt.want.sweep+":")
		})
	}
}

func TestFailedCandidatesFailTheCommand(t *testing.T) {
	sw := &fakeSweeper{report: reconcile.Report{Candidates: 3, Applied: 2, Failed: 1}}

	out, err := run(t, sw, &fakeSales{}, "cancel-unpaid")
	require.ErrorIs(t, err, errSweepFailed)
	assert.Contains(t, out, "failed=1")

	sw.report = reconcile.Report{Candidates: 3, Applied: 1, Deferred: 2}
	_, err = run(t, sw, &fakeSales{}, "retry-shipping")
	assert.NoError(t, err)
}

func TestRebuildSalesDryRun(t *testing.T) {
	sales := &fakeSales{}
	out, err := run(t, &fakeSweeper{}, sales, "rebuild-sales", "--dry-run")
	require.NoError(t, err)
	assert.True(t, sales.dryRun)
	assert.Regexp(t, `(?s)A\s+5.*B\s+2.*dry run: counters unchanged`, out)
}
