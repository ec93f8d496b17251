package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gozon/fulfillment/internal/app"
	"gozon/fulfillment/internal/config"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/reconcile"
	"gozon/fulfillment/pkg/messaging"
)

var Version = "dev"

// errSweepFailed marks a sweep that finished with failed candidates.
var errSweepFailed = errors.New("sweep finished with failures")

// sweeper is the part of reconcile.Sweeper the commands drive.
type sweeper interface {
	CancelUnpaid(ctx context.Context, timeout time.Duration, dryRun bool) (reconcile.Report, error)
	ExpirePayments(ctx context.Context, dryRun bool) (reconcile.Report, error)
	ReconcileProvider(ctx context.Context, olderThan time.Duration, dryRun bool) (reconcile.Report, error)
	RetryShipping(ctx context.Context, batch int, dryRun bool) (reconcile.Report, error)
	RollbackCancellations(ctx context.Context, operator string, dryRun bool) (reconcile.Report, error)
}

type salesRebuilder interface {
	RebuildSales(ctx context.Context, dryRun bool) (map[string]int, error)
}

type env struct {
	cfg     config.Config
	logger  *slog.Logger
	core    *app.Core
	pub     messaging.Publisher
	sweeper sweeper
	sales   salesRebuilder
	dryRun  bool

	// connect prepares the dependencies before a command runs.
	connect func(ctx context.Context) error
}

func main() {
	e := &env{}
	e.connect = e.open

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(e).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(e *env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fulfillmentctl",
		Short:         "Operator commands for the fulfillment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if e.connect == nil {
				return nil
			}
			return e.connect(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&e.dryRun, "dry-run", false, "report what would change without changing it")

	rootCmd.AddCommand(cancelUnpaidCmd(e))
	rootCmd.AddCommand(expirePaymentsCmd(e))
	rootCmd.AddCommand(reconcilePaymentsCmd(e))
	rootCmd.AddCommand(retryShippingCmd(e))
	rootCmd.AddCommand(rebuildSalesCmd(e))
	rootCmd.AddCommand(rollbackCancellationsCmd(e))
	return rootCmd
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	e.logger = app.NewLogger(cfg.LogLevel)

	// Notifications are optional for operator runs.
	var notifier notify.Dispatcher = notify.Discard{}
	if pub, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.NotificationsExchange); err != nil {
		e.logger.Warn("notifications disabled", "err", err)
	} else {
		e.pub = pub
		notifier = notify.NewBrokerDispatcher(pub)
	}

	core, err := app.NewCore(ctx, cfg, e.logger, notifier, nil)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	e.core = core
	e.sweeper = core.Sweeper
	e.sales = core.Stock
	return nil
}

func (e *env) close() {
	if e.core != nil {
		e.core.Close()
	}
	if e.pub != nil {
		_ = e.pub.Close()
	}
}
