// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/api"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/archive"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/backend"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser/headless"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/config"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/dispatcher"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	eventsinks "github.com/JakeFAU/realtime-cricket-fleet/internal/events/sinks"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/health"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/logging"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/metrics"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
	memorypublisher "github.com/JakeFAU/realtime-cricket-fleet/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-cricket-fleet/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/retry"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/scheduler"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source/dom"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source/httpjson"
	gcsstorage "github.com/JakeFAU/realtime-cricket-fleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-cricket-fleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-cricket-fleet/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-cricket-fleet/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/sqlite"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/telemetry"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/worker"
)

// snapshotStore is what the sqlite and memory stores both provide.
type snapshotStore interface {
	fleet.SnapshotStore
	fleet.AuditLog
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  fleet.Clock

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	hub          *events.Hub
	tracer       *sdktrace.TracerProvider

	snapshots snapshotStore
	sqlite    *sqlite.Store
	breakers  *breaker.Registry
	backend   fleet.Backend
	postgres  *pgstore.BatchWriter
	publisher *gcppublisher.Publisher
	storage   *storage.Client
	archiver  *archive.Archiver

	browser  *headless.Browser
	pages    *browser.PagePool
	contexts *pool.Pool[fleet.Page]
	source   source.Poller

	matches   *lifecycle.Registry
	scheduler *scheduler.Scheduler
	feed      *worker.Feed
	worker    *worker.Worker
	dispatch  *dispatcher.Dispatcher

	health   *health.Tracker
	watchdog *lifecycle.Watchdog
	cron     *health.Cron

	apiServer *api.Server
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Workers    int    `json:"workers"`
		Source     string `json:"source"`
		Backend    string `json:"backend"`
		Snapshots  string `json:"snapshots"`
		Archive    string `json:"archive"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Workers:    cfg.Dispatcher.Workers,
		Source:     cfg.Source.Kind,
		Backend:    cfg.Backend.Kind,
		Snapshots:  cfg.Snapshots.Kind,
		Archive:    cfg.Archive.Kind,
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Handler exposes the HTTP API, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
			stop()
		}
	}()

	a.cron.Start(ctx)
	if a.watchdog != nil {
		go a.watchdog.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("jobs still running at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.cron != nil {
		a.cron.Stop(ctx)
	}
	a.closeBrowser(ctx)
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeBrowser(ctx context.Context) {
	if a.pages != nil {
		if err := a.pages.Shutdown(ctx); err != nil {
			a.logger.Warn("page pool shutdown failed", zap.Error(err))
		}
	}
	if a.contexts != nil {
		if err := a.contexts.Shutdown(ctx); err != nil {
			a.logger.Warn("context pool shutdown failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.archiver != nil {
		if err := a.archiver.Close(); err != nil {
			a.logger.Warn("archiver close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	// The hub drains into the audit sink, so it closes before the store.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("snapshot store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	app, err = NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry, nil)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = setupMetrics(app); err != nil {
		return nil, err
	}
	if err = setupSnapshots(ctx, app); err != nil {
		return nil, err
	}
	if err = setupEvents(app); err != nil {
		return nil, err
	}
	app.breakers = breaker.NewRegistry(cfg.Breaker.Config, cfg.Breaker.Overrides, app.clock, app.hub)

	if err = setupBackend(ctx, app); err != nil {
		return nil, err
	}
	if err = setupArchive(ctx, app); err != nil {
		return nil, err
	}
	if err = setupSource(app); err != nil {
		return nil, err
	}
	if err = setupDispatcher(app); err != nil {
		return nil, err
	}
	if err = setupHealth(app); err != nil {
		return nil, err
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer, err = api.NewServer(api.Options{
		Scheduler:      app.scheduler,
		Registry:       app.matches,
		Health:         app.health,
		Booster:        app.worker,
		Metrics:        metrics.Handler(app.promRegistry),
		Instrument:     app.metrics.Middleware,
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Clock:          app.clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func setupMetrics(app *App) error {
	app.promRegistry = prometheus.NewRegistry()
	app.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var err error
	app.metrics, err = metrics.New(app.promRegistry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	return nil
}

func setupSnapshots(ctx context.Context, app *App) error {
	switch app.cfg.Snapshots.Kind {
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, app.cfg.Snapshots.SQLite, sqlite.Options{
			Clock:  app.clock,
			Logger: app.logger,
		})
		if err != nil {
			return fmt.Errorf("snapshot store init failed: %w", err)
		}
		app.sqlite = store
		app.snapshots = store
		app.logger.Info("using sqlite snapshot store", zap.String("path", app.cfg.Snapshots.SQLite.Path))
	default:
		app.snapshots = memorystorage.NewSnapshotStore(app.cfg.Snapshots.AuditCapacity, app.clock)
		app.logger.Warn("using in-memory snapshot store; checkpoints do not survive restarts")
	}
	return nil
}

func setupEvents(app *App) error {
	promSink, err := eventsinks.NewPrometheusSink(app.promRegistry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		eventsinks.NewLogSink(app.logger.Named("events_log")),
		promSink,
		eventsinks.NewAuditSink(app.snapshots, app.logger),
	}
	app.hub = events.NewHub(app.cfg.Events, app.logger, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("buffer_size", app.cfg.Events.BufferSize),
		zap.Int("max_batch_events", app.cfg.Events.MaxBatchEvents),
		zap.Duration("max_batch_wait", app.cfg.Events.MaxBatchWait),
		zap.Duration("sink_timeout", app.cfg.Events.SinkTimeout),
	)
	return nil
}

func setupBackend(ctx context.Context, app *App) error {
	var (
		next fleet.Backend
		err  error
	)
	switch app.cfg.Backend.Kind {
	case config.BackendPostgres:
		app.postgres, err = pgstore.New(ctx, app.cfg.Backend.Postgres)
		if err != nil {
			return fmt.Errorf("postgres backend init failed: %w", err)
		}
		if err = app.postgres.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		next = app.postgres
		app.logger.Info("using postgres backend", zap.String("table", app.cfg.Backend.Postgres.Table))
	case config.BackendPubSub:
		app.publisher, err = gcppublisher.New(ctx, app.cfg.Backend.PubSub, app.logger)
		if err != nil {
			return fmt.Errorf("pubsub backend init failed: %w", err)
		}
		next = app.publisher
		app.logger.Info("using pubsub backend",
			zap.String("project", app.cfg.Backend.PubSub.ProjectID),
			zap.String("topic", app.cfg.Backend.PubSub.TopicID),
		)
	default:
		app.logger.Warn("using in-memory backend; updates are not delivered anywhere")
		next = memorypublisher.New()
	}

	policy := retry.New(app.cfg.Retry,
		retry.WithRetryable(backend.Retryable),
		retry.WithEmitter(app.hub),
		retry.WithClock(app.clock),
	)
	app.backend, err = backend.New(next, backend.Options{
		Breakers: app.breakers,
		Retry:    policy,
		Observer: app.metrics,
		Clock:    app.clock,
		Emitter:  app.hub,
		Logger:   app.logger,
	})
	if err != nil {
		return fmt.Errorf("backend client init failed: %w", err)
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) error {
	var (
		blobs fleet.BlobStore
		err   error
	)
	switch app.cfg.Archive.Kind {
	case config.StoreGCS:
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(app.storage, app.cfg.Archive.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving scorecards to gcs", zap.String("bucket", app.cfg.Archive.GCS.Bucket))
	case config.StoreLocal:
		blobs, err = localstorage.New(app.cfg.Archive.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving scorecards locally", zap.String("path", app.cfg.Archive.Local.BaseDir))
	default:
		app.logger.Info("scorecard archive disabled")
		return nil
	}
	app.archiver, err = archive.New(blobs, archive.Options{Clock: app.clock, Logger: app.logger})
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	return nil
}

func setupSource(app *App) error {
	var next source.Poller
	var recycler source.Recycler
	switch app.cfg.Source.Kind {
	case config.SourceHTTP:
		pacer := ratelimit.NewKeyed(app.cfg.Source.RateLimit, app.clock)
		next = httpjson.New(app.cfg.Source.HTTP, pacer, app.logger)
		app.logger.Info("using json feed source",
			zap.String("user_agent", app.cfg.Source.HTTP.UserAgent),
			zap.Float64("rate_per_second", app.cfg.Source.RateLimit.RatePerSecond),
		)
	default:
		extractor, err := dom.NewExtractor(app.cfg.Source.DOM)
		if err != nil {
			return fmt.Errorf("dom extractor init failed: %w", err)
		}
		app.browser = headless.New(app.cfg.Browser.Headless, app.logger)
		poolOpts := pool.Options{Clock: app.clock, Emitter: app.hub, Observer: app.metrics, Logger: app.logger}
		if app.cfg.Browser.Mode == config.ModeOneShot {
			app.contexts, err = browser.NewContextPool(app.browser, app.cfg.Browser.Contexts, poolOpts)
			if err != nil {
				return fmt.Errorf("context pool init failed: %w", err)
			}
			next = dom.NewContextSource(app.contexts, extractor, app.cfg.Source.Page,
				app.cfg.Browser.Headless.NavigationTimeout, app.logger)
			recycler = app.contexts
		} else {
			app.pages, err = browser.NewPagePool(app.browser, app.cfg.Browser.Pages, poolOpts)
			if err != nil {
				return fmt.Errorf("page pool init failed: %w", err)
			}
			next = dom.NewPageSource(app.pages, extractor, app.cfg.Source.Page, app.logger)
			recycler = app.pages
		}
		app.logger.Info("using browser source", zap.String("mode", app.cfg.Browser.Mode))
	}
	app.source = source.Guard(next, app.breakers, source.GuardOptions{
		Recycler:       recycler,
		RecycleTimeout: app.cfg.Browser.RecycleTimeout,
		Logger:         app.logger,
	})
	return nil
}

func setupDispatcher(app *App) error {
	var err error
	app.matches = lifecycle.NewRegistry(app.clock)
	app.scheduler, err = scheduler.New(app.cfg.Scheduler, scheduler.Options{
		Clock:    app.clock,
		Emitter:  app.hub,
		Observer: app.metrics,
		Logger:   app.logger,
	})
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	app.feed = worker.NewFeed(app.scheduler, app.logger)

	opts := worker.Options{
		Source:    app.source,
		Backend:   app.backend,
		Snapshots: app.snapshots,
		Registry:  app.matches,
		Requeue:   app.feed.Requeue,
		Observer:  app.metrics,
		Clock:     app.clock,
		Emitter:   app.hub,
		Logger:    app.logger,
	}
	if app.archiver != nil {
		opts.Archiver = app.archiver
	}
	if app.browser != nil {
		opts.Processes = health.NewProcessCounter(app.cfg.Health.Sweeper.ProcessName)
	}
	app.worker, err = worker.New(app.cfg.Worker, opts)
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	app.logger.Info("worker config",
		zap.Int("gap_alert_threshold", app.cfg.Worker.GapAlertThreshold),
		zap.Duration("stale_innings_after", app.cfg.Worker.StaleInningsAfter),
		zap.Duration("max_lifetime", app.cfg.Worker.Lifecycle.MaxLifetime),
		zap.Int("max_consecutive_errors", app.cfg.Worker.Lifecycle.MaxConsecutiveErrors),
	)

	app.dispatch, err = dispatcher.New(app.feed, app.worker, app.cfg.Dispatcher.Workers, app.logger)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}

func setupHealth(app *App) error {
	var pools []func() pool.Stats
	if app.pages != nil {
		pools = append(pools, app.pages.Summary)
	}
	if app.contexts != nil {
		pools = append(pools, app.contexts.Stats)
	}
	app.health = health.NewTracker(health.Options{
		Matches:  app.matches,
		Breakers: app.breakers,
		Pools:    pools,
		Backend:  app.backend,
		Clock:    app.clock,
		Emitter:  app.hub,
		Logger:   app.logger,
	})

	app.cron = health.NewCron(app.logger)
	if err := app.cron.Add("health_evaluate", app.cfg.Health.EvaluateSchedule, func(ctx context.Context) {
		app.health.Evaluate(ctx)
	}); err != nil {
		return err
	}
	if err := app.cron.Add("stale_innings", app.cfg.Health.StaleSchedule, func(ctx context.Context) {
		if stale := app.worker.SweepStale(ctx); len(stale) > 0 {
			app.logger.Info("stale innings found", zap.Int("count", len(stale)))
		}
	}); err != nil {
		return err
	}

	if app.browser == nil {
		return nil
	}
	sweeper, err := health.NewOrphanSweeper(app.cfg.Health.Sweeper, func() []int {
		if pid := app.browser.PID(); pid > 0 {
			return []int{pid}
		}
		return nil
	}, health.SweeperOptions{Clock: app.clock, Emitter: app.hub, Logger: app.logger})
	if err != nil {
		return fmt.Errorf("orphan sweeper init failed: %w", err)
	}
	if err := app.cron.Add("orphan_sweep", app.cfg.Health.Sweeper.Schedule, func(ctx context.Context) {
		if _, err := sweeper.Sweep(ctx); err != nil {
			app.logger.Warn("orphan sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if app.cfg.Health.Watchdog.Enabled {
		app.watchdog, err = lifecycle.NewWatchdog(app.cfg.Health.Watchdog,
			health.NewProcessCounter(app.cfg.Health.Sweeper.ProcessName),
			app.health,
			lifecycle.WatchdogOptions{Clock: app.clock, Emitter: app.hub, Logger: app.logger},
		)
		if err != nil {
			return fmt.Errorf("watchdog init failed: %w", err)
		}
	}
	return nil
}
