package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/logger"
	"github.com/simaogato/topup-engine/internal/usecase/reconcile"
)

type reconcileOptions struct {
	*rootOptions
	OlderThan time.Duration
}

func newReconcileCommand(root *rootOptions) *cobra.Command {
	opts := &reconcileOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refund orders left claimed by a worker that never finished them",
		Long: `Run one stuck-claim sweep and exit. Every order that has been claimed for
longer than --older-than is refunded to its owner, who is alerted. The age
must exceed provider.timeout + oracle.timeout plus a safety margin.

Example:
  worker reconcile --older-than 30m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OlderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := reconcile.CheckAge(opts.OlderThan, cfg.MinReconcileAge()); err != nil {
				return fmt.Errorf("--older-than: %w", err)
			}
			log := logger.New(cfg.LogLevel)
			defer func() { _ = log.Sync() }()

			result, err := runReconcile(cmd.Context(), cfg, opts.OlderThan, log)
			fmt.Fprintf(cmd.OutOrStdout(), "examined %d, refunded %d, failed %d\n",
				result.Examined, result.Refunded, result.Failed)
			return err
		},
	}
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*time.Minute, "minimum claim age to refund")

	return cmd
}

func runReconcile(ctx context.Context, cfg *config.Config, olderThan time.Duration, log *zap.Logger) (reconcile.SweepResult, error) {
	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return reconcile.SweepResult{}, err
	}
	defer d.Close(log)

	return reconcile.NewSweeper(d.orders, d.notifier, olderThan, cfg.MinReconcileAge(), log).Sweep(ctx)
}
