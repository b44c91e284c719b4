// Package server builds the crawler's components from configuration and runs
// the long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/api"
	"github.com/JakeFAU/realtime-econ-crawler/internal/config"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/dispatcher"
	"github.com/JakeFAU/realtime-econ-crawler/internal/export"
	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
	gcppublisher "github.com/JakeFAU/realtime-econ-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
	"github.com/JakeFAU/realtime-econ-crawler/internal/status"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage"
	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

// Options tunes Build for the calling binary.
type Options struct {
	// Workers overrides worker.concurrency when positive.
	Workers int
	// MaxSeries caps both the series a discovery job persists and the fetch
	// jobs it enqueues; zero means no cap.
	MaxSeries int
	// SkipFetch stops discovery from enqueueing fetch jobs.
	SkipFetch bool
	// Registerer receives the progress collectors; nil means the default
	// registry.
	Registerer prometheus.Registerer
	// Clock and IDs replace the system clock and uuid generator in tests.
	Clock crawler.Clock
	IDs   crawler.IDGenerator
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	pool        *pgxpool.Pool
	redisClient *redis.Client
	queue       crawler.QueueStore
	series      crawler.SeriesStore
	attempts    store.AttemptRepository
	registry    *source.Registry
	limiter     crawler.RateLimiter
	publisher   crawler.Publisher
	pubsub      *gcppublisher.Publisher
	progressHub *progress.Hub
	blobs       *storage.Provider

	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	reporter  *status.Reporter

	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing runs until Run or
// the caller drives the dispatcher and scheduler directly.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, opts: opts, logger: logger, clock: opts.Clock, ids: opts.IDs}
	logger.Info("building application dependencies",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	steps := []func(context.Context) error{
		app.setupBasics,
		app.setupDatabase,
		app.setupStores,
		app.setupSources,
		app.setupLimiter,
		app.setupPublisher,
		app.setupProgress,
		app.setupStorage,
		app.setupRuntime,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close(context.Background())
			return nil, err
		}
	}
	return app, nil
}

// Queue returns the queue store.
func (a *App) Queue() crawler.QueueStore { return a.queue }

// Attempts returns the attempt history repository, or nil.
func (a *App) Attempts() store.AttemptRepository { return a.attempts }

// Sources returns the source registry.
func (a *App) Sources() *source.Registry { return a.registry }

// Limiter returns the per-source rate limiter.
func (a *App) Limiter() crawler.RateLimiter { return a.limiter }

// Dispatcher returns the worker pool.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Scheduler returns the cron scheduler and manual trigger.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Reporter returns the status reporter.
func (a *App) Reporter() *status.Reporter { return a.reporter }

// Exporter returns a catalog exporter writing to the configured blob store.
func (a *App) Exporter() *export.Exporter {
	return export.New(a.series, a.blobs, a.clock, a.logger.Named("export"))
}

// APIServer builds the HTTP handler set over the app's components.
func (a *App) APIServer() *api.Server {
	deps := api.Deps{
		Queue:    a.queue,
		Attempts: a.attempts,
		Status:   a.reporter,
		Trigger:  a.scheduler,
		Sources:  a.registry,
	}
	if a.pool != nil {
		deps.Ready = a.pool
	}
	return api.NewServer(deps, api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
	}, a.logger)
}

// Run starts the scheduler, worker pool, status refresher, and HTTP server,
// and blocks until ctx is canceled. Shutdown lets in-flight items finish
// their final queue write before the stores close.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.dispatch.Run(ctx)
	}()
	go a.reporter.Run(ctx, a.cfg.Status.RefreshInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every owned client. It is safe to call on a partially
// built App.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
