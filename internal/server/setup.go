package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/blankscreen"
	"github.com/JakeFAU/pagewatch/internal/browser"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/navigator"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/progress"
	progresssinks "github.com/JakeFAU/pagewatch/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/queue"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/pagewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagewatch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/pagewatch/internal/storage/sqlite"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
	"github.com/JakeFAU/pagewatch/internal/vitals"
)

// resultRepository is what every database driver provides beyond task storage.
type resultRepository interface {
	monitor.ResultStore
	progresssinks.TargetStatsRepository
	api.TargetReader
}

// seeder accepts the configuration-file state a database starts from.
type seeder interface {
	UpsertTarget(ctx context.Context, t monitor.Target) error
	SaveBlankScreenConfig(ctx context.Context, cfg monitor.BlankScreenConfig) error
	SaveTaskConfig(ctx context.Context, cfg monitor.TaskConfig) error
}

type database struct {
	tasks   monitor.TaskStore
	results resultRepository
	// ping is nil for the in-memory driver.
	ping  func(ctx context.Context) error
	close func() error
}

func setupObservability(ctx context.Context, app *App) error {
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: app.cfg.Telemetry.ServiceName,
		Version:     app.cfg.Telemetry.Version,
		ProjectID:   app.cfg.Telemetry.TraceProjectID,
		Registerer:  app.registry,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	app.telemetry = providers
	app.metrics = metrics.New(app.registry)
	if app.cfg.Telemetry.TraceProjectID != "" {
		app.logger.Info("exporting traces to Cloud Trace", zap.String("project", app.cfg.Telemetry.TraceProjectID))
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (monitor.ScreenshotSink, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS screenshot storage")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		sink, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs screenshot store init failed: %w", err)
		}
		app.logger.Debug("GCS screenshot storage", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return sink, nil
	case config.StorageLocal:
		app.logger.Info("using local screenshot storage")
		sink, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local screenshot store init failed: %w", err)
		}
		app.screenshots = sink
		app.logger.Debug("local screenshot storage",
			zap.String("path", app.cfg.Storage.LocalDir),
			zap.Duration("retention", app.cfg.Storage.Retention),
		)
		return sink, nil
	default:
		app.logger.Info("using in-memory screenshot storage")
		return memorystorage.NewScreenshotStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	cfg := app.cfg
	taskCfg := monitor.TaskConfig{MaxConcurrent: cfg.Scheduler.MaxConcurrent}
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		app.db = &database{
			tasks:   store,
			results: store,
			ping:    store.Ping,
			close: func() error {
				store.Close()
				return nil
			},
		}
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		if err := seed(ctx, store, cfg, taskCfg); err != nil {
			return err
		}
		app.logger.Info("postgres store initialized", zap.Int32("max_conns", cfg.DB.MaxConns))
	case config.DriverSQLite:
		store, err := sqlitestore.New(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.db = &database{tasks: store, results: store, ping: store.Ping, close: store.Close}
		if err := seed(ctx, store, cfg, taskCfg); err != nil {
			return err
		}
		app.logger.Info("sqlite store initialized", zap.String("path", cfg.DB.DSN))
	default:
		app.logger.Warn("using in-memory task and result storage; nothing survives a restart")
		app.db = &database{
			tasks:   memorystorage.NewTaskStore(),
			results: memorystorage.NewResultStore(cfg.Targets, cfg.BlankScreenDefaults(), taskCfg),
		}
	}
	return nil
}

// seed writes the configured targets and settings so the file stays the boot
// source of truth. Later edits made directly in the database are picked up by
// a scheduler reload.
func seed(ctx context.Context, s seeder, cfg config.Config, taskCfg monitor.TaskConfig) error {
	for _, t := range cfg.Targets {
		if err := s.UpsertTarget(ctx, t); err != nil {
			return fmt.Errorf("seed target %s: %w", t.ID, err)
		}
	}
	if err := s.SaveBlankScreenConfig(ctx, cfg.BlankScreenDefaults()); err != nil {
		return fmt.Errorf("seed blank screen config: %w", err)
	}
	if err := s.SaveTaskConfig(ctx, taskCfg); err != nil {
		return fmt.Errorf("seed task config: %w", err)
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (monitor.Publisher, error) {
	ps := app.cfg.PubSub
	if ps.ProjectID == "" || (ps.TopicName == "" && ps.RequestSubscription == "") {
		app.logger.Warn("no Pub/Sub topic configured, completion events are not published")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	if ps.TopicName == "" {
		return nil, nil
	}
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return app.publisher, nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(app.db.results, app.logger.Named("progress_store")),
	}
	hubCfg := progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func setupBrowser(app *App) monitor.Browser {
	if !app.cfg.Browser.Enabled {
		app.logger.Warn("browser disabled, every task will fail with a session error")
		return browser.NewNoop()
	}
	b, err := browser.NewChromedp(browser.Config{
		Headless:  app.cfg.Browser.Headless,
		ExecPath:  app.cfg.Browser.ExecPath,
		NoSandbox: app.cfg.Browser.NoSandbox,
	}, app.logger.Named("browser"))
	if err != nil {
		app.logger.Warn("browser init failed, falling back to a browser that refuses sessions", zap.Error(err))
		return browser.NewNoop()
	}
	app.browser = b
	app.logger.Info("chrome browser started", zap.Bool("headless", app.cfg.Browser.Headless))
	return b
}

func setupScheduler(app *App, sink monitor.ScreenshotSink, publisher monitor.Publisher) error {
	cfg := app.cfg
	clock := system.New()
	ids := uuid.New()

	controller := navigator.New(
		navigator.Config{
			PageLoadTimeout: cfg.PageLoadTimeout(),
			DOMLoadTimeout:  cfg.DOMLoadTimeout(),
			ProbeInterval:   cfg.Navigation.ProbeInterval,
			ExtractTimeout:  cfg.Navigation.ExtractTimeout,
		},
		setupBrowser(app),
		app.db.results,
		sink,
		vitals.New(vitals.Config{Settle: cfg.Navigation.VitalsSettle}, clock, app.logger.Named("vitals")),
		blankscreen.New(clock, app.logger.Named("blankscreen")),
		ids,
		clock,
		app.logger.Named("navigator"),
	)

	var pipeline scheduler.Pipeline = controller
	if cfg.Navigation.HostRPS > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			HostRPS:   cfg.Navigation.HostRPS,
			HostBurst: cfg.Navigation.HostBurst,
		}, app.metrics)
		pipeline = ratelimit.Wrap(limiter, controller)
		app.logger.Info("per-host rate limit enabled",
			zap.Float64("host_rps", cfg.Navigation.HostRPS),
			zap.Int("host_burst", cfg.Navigation.HostBurst),
		)
	}

	schedCfg := scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval,
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		PersistTimeout: cfg.Scheduler.PersistTimeout,
	}
	if publisher != nil {
		schedCfg.CompletionTopic = cfg.PubSub.TopicName
	}
	app.scheduler = scheduler.New(
		schedCfg,
		app.db.tasks,
		app.db.results,
		pipeline,
		publisher,
		app.progressHub,
		app.metrics,
		ids,
		clock,
		app.logger.Named("scheduler"),
	)
	// Pick up settings saved by an earlier run or edited in the database.
	if err := app.scheduler.Reload(context.Background()); err != nil {
		return fmt.Errorf("scheduler reload failed: %w", err)
	}
	app.logger.Info("scheduler configured",
		zap.Int("max_concurrent", app.scheduler.MaxConcurrent()),
		zap.Duration("tick_interval", schedCfg.TickInterval),
		zap.Duration("enqueue_interval", cfg.Scheduler.EnqueueInterval),
	)
	return nil
}

func setupSubscriber(app *App) {
	if app.pubsubClient == nil || app.cfg.PubSub.RequestSubscription == "" {
		return
	}
	app.subscriber = queue.NewSubscriber(
		app.pubsubClient,
		app.cfg.PubSub.RequestSubscription,
		app.scheduler,
		app.logger.Named("subscriber"),
	)
	app.logger.Info("Pub/Sub task intake configured", zap.String("subscription", app.cfg.PubSub.RequestSubscription))
}

func setupAPI(app *App) {
	app.apiServer = api.NewServer(
		app.scheduler,
		app.db.results,
		api.Options{
			Auth:           app.cfg.Auth,
			Ready:          app.db.ping,
			Metrics:        app.metrics,
			MetricsHandler: promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}),
		},
		app.logger.Named("api"),
	)
}
