// Package bootstrap wires the pipeline together in dependency order:
// configuration, logging, telemetry, the hot and durable stores, then
// every processing component. The entrypoint hands it a config path
// and gets back a runnable App.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order_pipeline/internal/broker"
	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	"order_pipeline/internal/dbsync"
	"order_pipeline/internal/events"
	"order_pipeline/internal/feed"
	"order_pipeline/internal/infrastructure/health"
	"order_pipeline/internal/infrastructure/metrics"
	"order_pipeline/internal/order"
	"order_pipeline/internal/paper"
	"order_pipeline/internal/position"
	"order_pipeline/internal/queue"
	"order_pipeline/internal/redisstore"
	"order_pipeline/pkg/logging"
	"order_pipeline/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "order_pipeline"
	eventBusBuffer  = 256
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 2 * time.Second
)

// Runner is a long-lived component driven by the app lifecycle.
type Runner interface {
	Run(ctx context.Context) error
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds every wired component. Build one with NewApp, then Run it;
// Run blocks until a termination signal or a component failure.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Orders     *order.Manager
	Dispatcher *queue.Dispatcher
	Adapter    *broker.Adapter
	Engine     *paper.Engine
	Positions  *position.Manager
	Syncer     *dbsync.Worker
	Monitor    *health.Manager

	zap      *logging.ZapLogger
	tel      *telemetry.Telemetry
	redisCli *redis.Client
	store    *redisstore.Store
	bus      *events.Bus
	sqls     *dbsync.SQLStore
	workers  *queue.Workers

	metricsSrv *metrics.Server
	hub        *feed.Hub
	relay      *feed.Relay
	feedSrv    *feed.Server
}

// NewApp loads configuration and builds the full component graph.
// Nothing is started; Run does that.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	zapLogger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(zapLogger)
	logger := core.ILogger(zapLogger)

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		// Meters fall back to no-op instruments; the pipeline itself
		// is unaffected.
		logger.Warn("telemetry setup failed, metrics disabled", "error", err)
	}

	redisCli := redisstore.NewClient(&cfg.Redis)
	store := redisstore.NewStore(redisCli, redisstore.StoreConfig{
		OpTimeout:  cfg.Redis.OpTimeout(),
		SessionTTL: cfg.Session.InactiveTTL(),
	}, logger)
	locks := redisstore.NewLockManager(redisCli, logger, 0)
	bus := events.NewBus(eventBusBuffer, logger)

	sqls, err := dbsync.NewSQLStore(cfg.SQL.Path, cfg.SQL.OpTimeout(), cfg.DSW.CompressThresholdBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("durable store: %w", err)
	}

	orders := order.NewManager(store, locks, bus, &cfg.Order, logger)
	dispatcher := queue.NewDispatcher(redisCli, &cfg.Queue, logger)

	cipher, err := broker.NewCipher(cfg.App.EncryptionKey.Reveal())
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	adapter := broker.NewAdapter(&cfg.Broker, &cfg.Session, cipher, store, orders, bus, broker.DefaultFactory, logger)
	engine := paper.NewEngine(&cfg.Paper, orders, store, bus, logger)
	workers := queue.NewWorkers(dispatcher, orders, engine, adapter, &cfg.Queue, logger)
	positions := position.NewManager(store, locks, bus, &cfg.Order, logger)
	syncer := dbsync.NewWorker(store, sqls, bus, &cfg.DSW, logger)

	monitor := health.NewManager(logger)
	monitor.Register("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return store.Ping(ctx)
	})
	monitor.Register("sql_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return sqls.Ping(ctx)
	})
	monitor.Register("order_manager", orders.CheckHealth)
	monitor.Register("order_queue", dispatcher.CheckHealth)
	monitor.Register("broker_sessions", adapter.CheckHealth)
	monitor.Register("paper_engine", engine.CheckHealth)
	monitor.Register("db_sync", syncer.CheckHealth)

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	hub := feed.NewHub(logger)
	relay := feed.NewRelay(bus, hub, logger)
	feedSrv := feed.NewServer(hub, monitor, cfg.Feed, logger)

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		Orders:     orders,
		Dispatcher: dispatcher,
		Adapter:    adapter,
		Engine:     engine,
		Positions:  positions,
		Syncer:     syncer,
		Monitor:    monitor,
		zap:        zapLogger,
		tel:        tel,
		redisCli:   redisCli,
		store:      store,
		bus:        bus,
		sqls:       sqls,
		workers:    workers,
		metricsSrv: metricsSrv,
		hub:        hub,
		relay:      relay,
		feedSrv:    feedSrv,
	}, nil
}

// Run recovers prior state, starts every component and blocks until a
// termination signal or the first component failure, then tears down
// in reverse order.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.recover(ctx); err != nil {
		a.shutdown()
		return err
	}

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	if err := a.workers.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("queue workers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runners := []Runner{
		runnerFunc(func(ctx context.Context) error { a.hub.Run(ctx); return nil }),
		a.relay,
		a.Syncer,
		a.Engine,
		a.Adapter,
		a.Positions,
		runnerFunc(a.feedSrv.Start),
	}
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	a.Logger.Info("pipeline running",
		"instance", a.Cfg.App.InstanceID,
		"feed_port", a.Cfg.Feed.Port,
		"metrics_port", a.Cfg.Telemetry.MetricsPort,
		"broker_type", a.Cfg.Broker.BrokerType)

	err := g.Wait()
	a.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("pipeline stopped with error", "error", err)
		return err
	}
	a.Logger.Info("pipeline stopped")
	return nil
}

// OnTick fans one market tick to every tick consumer. The market data
// feed itself is an embedding concern; this is its entry point.
func (a *App) OnTick(ctx context.Context, tick core.Tick) {
	a.Engine.OnTick(ctx, tick)
	a.Positions.OnTick(ctx, tick)
}

// recover replays whatever a previous process left behind before any
// new work is accepted: the durable log, the duplicate index and the
// paper book.
func (a *App) recover(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := a.store.Ping(probeCtx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	if err := a.sqls.Ping(probeCtx); err != nil {
		return fmt.Errorf("durable store unreachable: %w", err)
	}

	if err := a.Syncer.CatchUp(ctx); err != nil {
		return fmt.Errorf("durable catch-up: %w", err)
	}
	if err := a.Orders.Recover(ctx); err != nil {
		return fmt.Errorf("order recovery: %w", err)
	}
	if err := a.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("paper recovery: %w", err)
	}
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.workers.Stop()
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.Logger.Warn("metrics server shutdown", "error", err)
		}
	}

	// Land whatever the last cycle left dirty before the stores close.
	if err := a.Syncer.Flush(ctx); err != nil {
		a.Logger.Warn("final flush failed, durable store is behind hot state", "error", err)
	}

	a.bus.Close()
	if err := a.sqls.Close(); err != nil {
		a.Logger.Warn("closing durable store", "error", err)
	}
	if err := a.redisCli.Close(); err != nil {
		a.Logger.Warn("closing redis client", "error", err)
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown", "error", err)
		}
	}
	_ = a.zap.Sync()
}
