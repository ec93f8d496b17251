package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"gozon/fulfillment/internal/reconcile"
)

func printReport(w io.Writer, rep reconcile.Report) error {
	fmt.Fprintln(w, rep.String())
	if !rep.OK() {
		return errSweepFailed
	}
	return nil
}

func cancelUnpaidCmd(e *env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "cancel-unpaid",
		Short: "Cancel pending orders that were never paid",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				timeout = e.cfg.Reconcile.UnpaidTimeout
			}
			rep, err := e.sweeper.CancelUnpaid(cmd.Context(), timeout, e.dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "age after which a pending order is cancelled (default FULFILLMENT_UNPAID_TIMEOUT)")
	return cmd
}

func expirePaymentsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-payments",
		Short: "Expire payment intents past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := e.sweeper.ExpirePayments(cmd.Context(), e.dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
}

func reconcilePaymentsCmd(e *env) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile-payments",
		Short: "Ask the provider about payments still waiting for a callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := e.sweeper.ReconcileProvider(cmd.Context(), olderThan, e.dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "only payments started before this age")
	return cmd
}

func retryShippingCmd(e *env) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "retry-shipping",
		Short: "Retry due shipment uploads to the logistics platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := e.sweeper.RetryShipping(cmd.Context(), batch, e.dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 50, "maximum records to retry")
	return cmd
}

func rebuildSalesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-sales",
		Short: "Recompute per-SKU sales counters from settled orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			sales, err := e.sales.RebuildSales(cmd.Context(), e.dryRun)
			if err != nil {
				return err
			}

			skus := make([]string, 0, len(sales))
			for sku := range sales {
				skus = append(skus, sku)
			}
			sort.Strings(skus)

			out := cmd.OutOrStdout()
			for _, sku := range skus {
				fmt.Fprintf(out, "%-24s %d\n", sku, sales[sku])
			}
			if e.dryRun {
				fmt.Fprintln(out, "dry run: counters unchanged")
			}
			return nil
		},
	}
}

func rollbackCancellationsCmd(e *env) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "rollback-cancellations",
		Short: "Revert cancellations the logistics platform rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				operator = os.Getenv("USER")
			}
			rep, err := e.sweeper.RollbackCancellations(cmd.Context(), "operator:"+operator, e.dryRun)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator recorded in the order history (default $USER)")
	return cmd
}
