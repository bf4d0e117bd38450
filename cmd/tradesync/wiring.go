package main

import (
	"context"
	"fmt"
	"log"

	"github.com/coachpo/tradesync/internal/app/alerts"
	"github.com/coachpo/tradesync/internal/app/dbsync"
	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/app/reconcile"
	"github.com/coachpo/tradesync/internal/app/wsmanager"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/infra/adapters/binance"
	"github.com/coachpo/tradesync/internal/infra/config"
	"github.com/coachpo/tradesync/internal/infra/notify"
	"github.com/coachpo/tradesync/internal/infra/persistence"
	"github.com/coachpo/tradesync/internal/infra/stream"
	"github.com/coachpo/tradesync/internal/infra/telemetry"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/async"
)

func newAppLogger(cfg config.AppConfig) *observability.SlogLogger {
	logger := observability.NewSlogLogger(observability.LogConfig{
		Service:    cfg.Telemetry.ServiceName,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	observability.SetLogger(logger)
	return logger
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (tradestore.Store, error) {
	store, err := persistence.Open(ctx, persistence.Options{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		AutoMigrate:     cfg.RunMigrations,
		MigrationsDir:   cfg.MigrationsDir,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func newExchangeClient(cfg config.ExchangeConfig, logger observability.Logger) *binance.Client {
	return binance.NewClient(binanceConfig(cfg), logger)
}

func binanceConfig(cfg config.ExchangeConfig) binance.Config {
	return binance.Config{
		Name:            cfg.Name,
		APIKey:          cfg.APIKey,
		APISecret:       cfg.APISecret,
		Testnet:         cfg.Testnet,
		BaseURL:         cfg.RESTBaseURL,
		HTTPTimeout:     cfg.HTTPTimeout,
		RecvWindow:      cfg.RecvWindow,
		PageLimit:       cfg.PageLimit,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

func newNotifier(cfg config.AppConfig, logger observability.Logger) (notify.Sink, error) {
	sinks := notify.Multi{notify.LogSink{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookSink(notify.WebhookConfig{
			URL:      cfg.Notify.WebhookURL,
			Timeout:  cfg.Notify.WebhookTimeout,
			Attempts: cfg.Notify.WebhookAttempts,
			Headers:  cfg.Notify.WebhookHeaders,
			Service:  cfg.Telemetry.ServiceName,
		}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}
	return sinks, nil
}

func overwritePolicy(cfg config.SyncConfig) trade.Policy {
	abs, rel := cfg.Epsilons()
	return trade.Policy{AbsEpsilon: abs, RelEpsilon: rel}
}

func newReconciler(cfg config.AppConfig, store tradestore.Store, history exchange.HistoryClient, locks *async.KeyedMutex, logger observability.Logger) (*reconcile.Service, error) {
	pnlTolerance, feeRatio := cfg.Reconcile.Thresholds()
	return reconcile.New(reconcile.Options{
		Store:          store,
		History:        history,
		Locks:          locks,
		Policy:         overwritePolicy(cfg.Sync),
		WindowPadding:  cfg.Reconcile.WindowPadding,
		TrailingBuffer: cfg.Reconcile.TrailingBuffer,
		ChunkSpan:      cfg.Reconcile.ChunkSpan,
		ChunkDelay:     cfg.Reconcile.ChunkDelay,
		PnLTolerance:   pnlTolerance,
		FeeRatioLimit:  feeRatio,
		BatchSize:      cfg.Reconcile.BatchSize,
		Exchange:       cfg.Exchange.Name,
		Logger:         logger,
	})
}

// syncRuntime is the streaming half of the service.
type syncRuntime struct {
	recovery *async.Pool
	sync     *dbsync.Service
	ws       *wsmanager.Manager
}

func newSyncRuntime(cfg config.AppConfig, store tradestore.Store, client *binance.Client, notifier notify.Sink, locks *async.KeyedMutex, logger observability.Logger) (*syncRuntime, error) {
	recovery, err := async.NewPool("protective-recovery", cfg.Sync.RecoveryWorkers, cfg.Sync.RecoveryQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("recovery pool: %w", err)
	}
	syncSvc, err := dbsync.New(dbsync.Options{
		Store:    store,
		Orders:   client,
		Alerts:   alerts.New(alerts.Config{Window: cfg.Alerts.Window, PruneThreshold: cfg.Alerts.PruneThreshold}),
		Notifier: notifier,
		Recovery: recovery,
		Locks:    locks,
		Policy:   overwritePolicy(cfg.Sync),

		ScanWindow:        cfg.Sync.ScanWindow,
		CacheSize:         cfg.Sync.CacheSize,
		ProtectiveReasons: cfg.Sync.ProtectiveReasons,
		RecoveryAttempts:  cfg.Sync.RecoveryAttempts,

		Exchange: cfg.Exchange.Name,
		Logger:   logger,
	})
	if err != nil {
		recovery.Close()
		return nil, fmt.Errorf("database sync: %w", err)
	}

	bcfg := binanceConfig(cfg.Exchange)
	userDataURL := cfg.Exchange.UserDataURL
	if userDataURL == "" {
		userDataURL = bcfg.UserDataURL()
	}
	marketDataURL := cfg.Exchange.MarketDataURL
	if marketDataURL == "" {
		marketDataURL = bcfg.MarketDataURL()
	}

	conns := stream.NewManager(stream.Options{
		BaseDelay:         cfg.Stream.BaseDelay,
		MaxDelay:          cfg.Stream.MaxDelay,
		MaxAttempts:       cfg.Stream.MaxAttempts,
		PingInterval:      cfg.Stream.PingInterval,
		RefreshInterval:   cfg.Stream.ListenKeyRefresh,
		TokenSource:       client,
		MessagesPerSecond: cfg.Stream.MessagesPerSecond,
		Logger:            logger,
	})
	ws, err := wsmanager.New(wsmanager.Options{
		Connections:   conns,
		Dispatcher:    dispatcher.New(dispatcher.Options{MaxWorkers: cfg.Stream.DispatchWorkers, Logger: logger}),
		Normalizer:    binance.Normalizer{Exchange: cfg.Exchange.Name},
		Sink:          syncSvc,
		Recovery:      recovery,
		UserDataURL:   userDataURL,
		MarketDataURL: marketDataURL,
		MarketStreams: cfg.Exchange.MarketStreams,
		Escalate:      escalateTo(notifier, logger),
		HistorySize:   cfg.Stream.HistorySize,
		Logger:        logger,
	})
	if err != nil {
		recovery.Close()
		return nil, fmt.Errorf("websocket manager: %w", err)
	}
	return &syncRuntime{recovery: recovery, sync: syncSvc, ws: ws}, nil
}

// escalateTo forwards fatal exchange error frames as notifications.
func escalateTo(sink notify.Sink, logger observability.Logger) func(context.Context, exchange.ErrorEvent) {
	return func(ctx context.Context, ev exchange.ErrorEvent) {
		err := sink.SendErrorNotification(ctx, "EXCHANGE_FATAL_ERROR", ev.Message, map[string]any{
			"exchange":      ev.Exchange,
			"connection_id": ev.ConnectionID,
			"code":          ev.Code,
			"class":         string(ev.Class),
			"received_at":   ev.ReceivedAt,
		})
		if err != nil {
			logger.Error("escalate exchange error", observability.F("error", err))
		}
	}
}
