// Package bootstrap wires the execution engine together: config, logging,
// telemetry, storage, the exchange gateway, and the runtime components. The
// composition lives here so cmd/execd stays a thin shell.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"execd/internal/alert"
	"execd/internal/audit"
	"execd/internal/config"
	"execd/internal/core"
	"execd/internal/dispatcher"
	"execd/internal/exchange"
	"execd/internal/exchange/paper"
	"execd/internal/infrastructure/health"
	"execd/internal/infrastructure/metrics"
	"execd/internal/ingress"
	"execd/internal/lock"
	"execd/internal/mock"
	"execd/internal/oco"
	"execd/internal/position"
	"execd/internal/reconcile"
	"execd/internal/risk"
	"execd/internal/signal"
	"execd/internal/store"
	"execd/pkg/concurrency"
	apperrors "execd/pkg/errors"
	"execd/pkg/logging"
	"execd/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the wired engine
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	kv      core.IKVStore
	sink    core.IAuditSink
	gateway core.IGateway

	dispatcher *dispatcher.Dispatcher
	router     *dispatcher.EventRouter
	reconciler *reconcile.Reconciler
	feed       *ingress.Feed
	metricsSrv *metrics.Server

	dispatchPool *concurrency.WorkerPool
	eventPool    *concurrency.WorkerPool

	shutdownTelemetry func(context.Context) error
}

// NewApp loads config and builds every component. Config errors are fatal
// and reported before anything touches the network.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup("execd")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	replicaID := cfg.System.ReplicaID
	if replicaID == "" {
		host, _ := os.Hostname()
		replicaID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	kv, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	sink, err := audit.NewSQLiteSink(cfg.Audit.Path)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	locks := lock.NewManager(kv, replicaID, logger)
	dedup := signal.NewDedup(kv, cfg.DedupRetention())
	positions := position.NewView(kv)
	policy := risk.NewPolicy(cfg.Risk)

	var venue core.IGateway
	switch cfg.Exchange.Venue {
	case "mock":
		venue = mock.NewGateway()
	default:
		venue = paper.New(cfg.Exchange.RequestRateLimit)
	}
	gateway := exchange.NewResilient(venue, exchange.ResilientConfig{
		MaxAttempts: cfg.Exec.Retry.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff(),
		Deadline:    cfg.RequestDeadline(),
	}, logger)

	ocoMgr := oco.NewManager(kv, locks, gateway, sink, logger, oco.Config{
		LockTTL:       cfg.LockTTL(),
		CancelBudget:  cfg.OCO.CancelRetryBudget,
		CancelBackoff: cfg.BaseBackoff(),
	})
	if cfg.Alert.SlackWebhookURL != "" || cfg.Alert.TelegramBotToken != "" {
		notifier := alert.NewNotifier(logger)
		if cfg.Alert.SlackWebhookURL != "" {
			notifier.AddChannel(alert.NewSlackChannel(cfg.Alert.SlackWebhookURL))
		}
		if cfg.Alert.TelegramBotToken != "" {
			notifier.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID))
		}
		ocoMgr.SetNotifier(notifier)
	}

	dispatchPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "dispatch",
		MaxWorkers:  cfg.Exec.WorkerPoolSize,
		MaxCapacity: cfg.Exec.WorkerPoolBuffer,
		NonBlocking: true,
	}, logger)
	eventPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "events",
		MaxWorkers:  cfg.Exec.EventPoolSize,
		MaxCapacity: cfg.Exec.EventPoolBuffer,
	}, logger)

	disp := dispatcher.New(cfg, kv, locks, dedup, policy, positions, gateway, ocoMgr, sink, logger, dispatchPool)
	router := dispatcher.NewEventRouter(kv, positions, ocoMgr, sink, logger, eventPool)
	reconciler := reconcile.New(kv, gateway, ocoMgr, dedup, positions, sink, logger, reconcile.Config{
		Interval: cfg.ReconcileInterval(),
		Holdoff:  2 * cfg.RequestDeadline(),
	})

	var feed *ingress.Feed
	if cfg.Ingress.FeedURL != "" {
		feed = ingress.NewFeed(cfg.Ingress.FeedURL,
			time.Duration(cfg.Ingress.ReconnectDelayMs)*time.Millisecond, disp, logger)
	}

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		healthMgr := health.NewManager(logger)
		healthMgr.Register("state_store", func() error {
			_, _, err := kv.Get(context.Background(), "health/probe")
			if err != nil && !errors.Is(err, apperrors.ErrKeyNotFound) {
				return err
			}
			return nil
		})
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
	}

	return &App{
		Cfg:               cfg,
		Logger:            logger,
		kv:                kv,
		sink:              sink,
		gateway:           gateway,
		dispatcher:        disp,
		router:            router,
		reconciler:        reconciler,
		feed:              feed,
		metricsSrv:        metricsSrv,
		dispatchPool:      dispatchPool,
		eventPool:         eventPool,
		shutdownTelemetry: tel.Shutdown,
	}, nil
}

// Dispatcher exposes the dispatcher for embedding callers
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Run starts everything and blocks until a termination signal or a fatal
// component error.
func (a *App) Run() error {
	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting execution engine",
		"venue", a.gateway.Name(), "store", a.Cfg.Store.Path)

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}

	g.Go(func() error {
		a.router.Run(ctx, a.gateway.Events())
		return nil
	})
	g.Go(func() error {
		a.reconciler.Run(ctx)
		return nil
	})
	if a.feed != nil {
		a.feed.Start(ctx)
	}

	err := g.Wait()

	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Engine stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Engine shut down gracefully")
	return nil
}

// shutdown drains work in dependency order within the grace period
func (a *App) shutdown() {
	grace := a.Cfg.ShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if a.feed != nil {
		a.feed.Stop()
	}
	a.dispatchPool.Stop()
	a.eventPool.Stop()
	if a.metricsSrv != nil {
		a.metricsSrv.Stop(ctx)
	}
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry(ctx)
	}
	if err := a.sink.Close(); err != nil {
		a.Logger.Warn("Audit sink close failed", "error", err)
	}
	if err := a.kv.Close(); err != nil {
		a.Logger.Warn("State store close failed", "error", err)
	}
}
