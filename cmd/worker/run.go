package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	grpcadapter "github.com/simaogato/topup-engine/internal/adapter/grpc"
	"github.com/simaogato/topup-engine/internal/adapter/ops"
	"github.com/simaogato/topup-engine/internal/adapter/provider"
	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/logger"
	"github.com/simaogato/topup-engine/internal/usecase/fulfillment"
	"github.com/simaogato/topup-engine/internal/usecase/rating"
	"github.com/simaogato/topup-engine/internal/usecase/reconcile"
	"github.com/simaogato/topup-engine/internal/usecase/transfer"
	"github.com/simaogato/topup-engine/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process orders and drain the transfer and rating queues",
		Long: `Start the fulfillment processor, the transfer and rating queue drainers
and, when orders.reconcile_after is set, the stuck-claim sweeper.

The ops gRPC server (health, reflection and token-guarded ops RPCs) listens on
server.grpc_addr; metrics and read-only ledger lookups are served on
server.metrics_addr. SIGINT or SIGTERM stops intake, lets claimed orders
finish and then exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProcessing(); err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel).With(zap.String("worker_id", cfg.WorkerID))
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runWorker(ctx, cfg, log)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close(log)

	processor := fulfillment.NewProcessor(
		d.orders,
		provider.NewSMMChannel(cfg.Provider, log),
		provider.NewExchangeOracle(cfg.Oracle),
		d.notifier,
		fulfillment.Config{
			WorkerID:             cfg.WorkerID,
			Workers:              cfg.Orders.Workers,
			ResyncInterval:       cfg.Orders.ResyncInterval,
			TokensPerReserveUnit: decimal.NewFromFloat(cfg.Oracle.TokensPerReserveUnit),
			OracleTimeout:        cfg.Oracle.Timeout,
			ChannelTimeout:       cfg.Provider.Timeout,
		},
		log,
	)

	newPoller := func(name string, interval time.Duration, pass worker.PassFunc) *worker.Poller {
		return worker.NewPoller(name, interval, cfg.Queues.MinInterval, cfg.Queues.Jitter,
			worker.Exclusive(d.lease, name, pass), log)
	}
	pollers := []*worker.Poller{
		newPoller(transfer.JobName, cfg.Queues.Interval,
			transfer.NewDrainer(d.transferQueue, d.notifier, cfg.Queues.Workers, log).Drain),
		newPoller(rating.JobName, cfg.Queues.Interval,
			rating.NewDrainer(d.ratingQueue, d.notifier, cfg.Queues.Workers, log).Drain),
	}
	if cfg.Orders.ReconcileAfter > 0 {
		pollers = append(pollers, newPoller(reconcile.JobName, cfg.Orders.ReconcileInterval,
			reconcile.NewSweeper(d.orders, d.notifier, cfg.Orders.ReconcileAfter, cfg.MinReconcileAge(), log).Pass))
	}

	opsServer := grpcadapter.NewServer(d.orders, d.transferQueue, d.ratingQueue, d.notifier, cfg.MinReconcileAge(), log)
	grpcServer, healthServer := grpcadapter.NewGRPCServer(opsServer, cfg.Server.OpsToken, log)
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           ops.NewRouter(ops.NewHandler(d.store, d.accounts, d.transactions, d.alerts, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	for _, p := range pollers {
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		grpcadapter.WatchHealth(gctx, healthServer, d.store, cfg.Server.HealthInterval, log)
		return nil
	})
	g.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(grpcLis); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("ops HTTP server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		waitForShutdown(gctx, grpcServer, httpServer, log)
		return nil
	})

	return g.Wait()
}

// waitForShutdown blocks until ctx is done and then gracefully shuts down the servers
func waitForShutdown(ctx context.Context, grpcServer interface{ GracefulStop() }, httpServer *http.Server, log *zap.Logger) {
	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops HTTP server did not stop cleanly", zap.Error(err))
	}

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")
}
