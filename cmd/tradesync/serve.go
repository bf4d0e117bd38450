package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/tradesync/internal/app/reconcile"
	"github.com/coachpo/tradesync/internal/app/wsmanager"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/infra/config"
	"github.com/coachpo/tradesync/internal/infra/telemetry"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/async"
)

const (
	shutdownTimeout          = 30 * time.Second
	websocketShutdownTimeout = 15 * time.Second
	schedulerShutdownTimeout = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var noReconcile bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Follow the user-data stream and run scheduled reconciliation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, noReconcile)
		},
	}
	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "disable the reconciliation schedule")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, noReconcile bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newCLILogger()
	cfg, err := root.load(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Printf("configuration initialised: env=%s, exchange=%s, testnet=%t, database=%s",
		cfg.Environment, cfg.Exchange.Name, cfg.Exchange.Testnet, cfg.Database.Driver)

	appLogger := newAppLogger(cfg)
	defer func() { _ = appLogger.Close() }()

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		return err
	}

	notifier, err := newNotifier(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	store, err := openStore(ctx, cfg.Database, appLogger)
	if err != nil {
		return err
	}
	logger.Printf("trade store opened: driver=%s", cfg.Database.Driver)

	client := newExchangeClient(cfg.Exchange, appLogger)
	locks := async.NewKeyedMutex()

	runtime, err := newSyncRuntime(cfg, store, client, notifier, locks, appLogger)
	if err != nil {
		_ = store.Close()
		return err
	}
	var scheduler *reconcile.Scheduler
	if cfg.Reconcile.Enabled && !noReconcile {
		scheduler, err = newScheduler(cfg, store, client, locks, appLogger)
		if err != nil {
			runtime.recovery.Close()
			_ = store.Close()
			return err
		}
	}

	if err := runtime.ws.Start(ctx); err != nil {
		runtime.recovery.Close()
		_ = store.Close()
		return fmt.Errorf("start websocket manager: %w", err)
	}
	logger.Printf("user data stream started: market streams=%d", len(cfg.Exchange.MarketStreams))

	if scheduler != nil {
		scheduler.Start()
		logger.Printf("reconciliation scheduled: %s (lookback %s)", cfg.Reconcile.Schedule, cfg.Reconcile.Lookback)
	} else {
		logger.Print("reconciliation schedule disabled")
	}

	logger.Print("tradesync started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		websocket: runtime.ws,
		scheduler: scheduler,
		store:     store,
		telemetry: telemetryProvider,
		appLogger: appLogger,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func newScheduler(cfg config.AppConfig, store tradestore.Store, history exchange.HistoryClient, locks *async.KeyedMutex, logger observability.Logger) (*reconcile.Scheduler, error) {
	reconciler, err := newReconciler(cfg, store, history, locks, logger)
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	scheduler, err := reconcile.NewScheduler(reconciler, reconcile.SchedulerOptions{
		Schedule: cfg.Reconcile.Schedule,
		Lookback: cfg.Reconcile.Lookback,
		Limit:    cfg.Reconcile.BatchSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile scheduler: %w", err)
	}
	return scheduler, nil
}

type gracefulShutdownConfig struct {
	websocket *wsmanager.Manager
	scheduler *reconcile.Scheduler
	store     tradestore.Store
	telemetry *telemetry.Provider
	appLogger observability.Logger
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping reconciliation scheduler", schedulerShutdownTimeout, cfg.scheduler.Stop)
	}
	if cfg.websocket != nil {
		shutdownStep("stopping websocket manager", websocketShutdownTimeout, cfg.websocket.Stop)
	}
	if cfg.store != nil {
		shutdownStep("closing trade store", storeShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
	if len(failures) > 0 {
		_ = observability.AggregateErrors("shutdown", failures)
	}
}
