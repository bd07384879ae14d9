// Package server builds the pagewatch dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/browser"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/progress"
	gcppublisher "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/queue"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	localstorage "github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	janitorInterval   = time.Hour
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Collectors
	apiServer *api.Server
	scheduler *scheduler.Scheduler

	progressHub  *progress.Hub
	browser      *browser.Chromedp
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	subscriber   *queue.Subscriber
	storage      *storage.Client
	screenshots  *localstorage.ScreenshotStore
	db           *database
	telemetry    *telemetry.Providers

	background sync.WaitGroup
	closeOnce  sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("targets", len(cfg.Targets)),
	)
	// Release whatever was opened before the failing step.
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
			app.closeObservability(context.Background())
		}
	}()

	if err = setupObservability(ctx, app); err != nil {
		return nil, err
	}
	sink, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err = setupScheduler(app, sink, publisher); err != nil {
		return nil, err
	}
	setupSubscriber(app)
	setupAPI(app)
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler and HTTP server and blocks until ctx is canceled or
// a termination signal arrives, then drains and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.scheduler.Run(ctx)
	}()
	a.startBackground(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
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
	select {
	case err := <-schedDone:
		if err != nil {
			a.logger.Error("scheduler stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		a.logger.Warn("scheduler drain timed out", zap.Int("running", a.scheduler.Running()))
	}
	a.background.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// startBackground launches the periodic enqueue loop, the Pub/Sub task intake
// and the screenshot janitor when they are configured.
func (a *App) startBackground(ctx context.Context) {
	if a.subscriber != nil {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			if err := a.subscriber.Run(ctx); err != nil {
				a.logger.Error("task subscriber stopped", zap.Error(err))
			}
		}()
	}
	if interval := a.cfg.Scheduler.EnqueueInterval; interval > 0 {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			a.enqueueLoop(ctx, interval)
		}()
	}
	if a.screenshots != nil && a.cfg.Storage.Retention > 0 {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			a.janitorLoop(ctx, a.cfg.Storage.Retention)
		}()
	}
}

func (a *App) enqueueLoop(ctx context.Context, interval time.Duration) {
	logger := a.logger.Named("enqueue")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := a.scheduler.EnqueueAll(ctx)
			if err != nil {
				logger.Warn("enqueue all targets failed", zap.Error(err))
				continue
			}
			logger.Debug("targets enqueued", zap.Int("tasks", len(ids)))
		}
	}
}

func (a *App) janitorLoop(ctx context.Context, retention time.Duration) {
	logger := a.logger.Named("janitor")
	prune := func() {
		removed, err := a.screenshots.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("screenshot prune failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("screenshots pruned", zap.Int("removed", removed))
		}
	}
	prune()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// Close releases every client the application opened. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil && a.db.close != nil {
		if err := a.db.close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	// Sync fails on stdout/stderr on some platforms; nothing useful to do about it.
	_ = a.logger.Sync()
}
