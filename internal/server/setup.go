package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/config"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/database"
	"github.com/JakeFAU/realtime-econ-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
	uuidgen "github.com/JakeFAU/realtime-econ-crawler/internal/id/uuid"
	"github.com/JakeFAU/realtime-econ-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-econ-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-econ-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-econ-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source/bls"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source/fred"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source/worldbank"
	"github.com/JakeFAU/realtime-econ-crawler/internal/status"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-econ-crawler/internal/storage/postgres"
	"github.com/JakeFAU/realtime-econ-crawler/internal/worker"
)

func (a *App) setupBasics(context.Context) error {
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.ids == nil {
		a.ids = uuidgen.NewUUIDGenerator()
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.QueuePostgres {
		a.logger.Info("using in-memory queue backend")
		return nil
	}
	if a.cfg.DB.DSN == "" {
		return fmt.Errorf("%w: db.dsn is required for the postgres queue backend", crawler.ErrConfiguration)
	}
	if a.cfg.DB.MigrateOnStart {
		mg, err := database.NewMigrator(a.cfg.DB.DSN, a.logger.Named("migrate"))
		if err != nil {
			return fmt.Errorf("migrator init failed: %w", err)
		}
		err = mg.Up()
		if closeErr := mg.Close(); closeErr != nil {
			a.logger.Warn("migrator close failed", zap.Error(closeErr))
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	var err error
	a.pool, err = database.Open(ctx, database.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.logger.Info("postgres pool initialized", zap.Int32("max_conns", a.pool.Config().MaxConns))
	return nil
}

func (a *App) setupStores(context.Context) error {
	backoff := crawler.NewBackoffPolicy(a.cfg.Queue.BackoffBase, a.cfg.Queue.BackoffMax)
	if a.pool == nil {
		q, err := memory.NewQueueStore(memory.QueueStoreConfig{
			Clock:       a.clock,
			IDs:         a.ids,
			Backoff:     backoff,
			StatsWindow: a.cfg.Queue.StatsWindow,
		})
		if err != nil {
			return fmt.Errorf("memory queue init failed: %w", err)
		}
		a.queue = q
		a.series = memory.NewSeriesStore()
		a.attempts = memory.NewAttemptStore()
		return nil
	}

	q, err := pgstore.NewQueueStore(a.pool, pgstore.QueueStoreConfig{
		Clock:       a.clock,
		IDs:         a.ids,
		Backoff:     backoff,
		StatsWindow: a.cfg.Queue.StatsWindow,
	})
	if err != nil {
		return fmt.Errorf("queue store init failed: %w", err)
	}
	series, err := pgstore.NewSeriesStore(a.pool, a.clock)
	if err != nil {
		return fmt.Errorf("series store init failed: %w", err)
	}
	attempts, err := pgstore.NewAttemptStore(a.pool)
	if err != nil {
		return fmt.Errorf("attempt store init failed: %w", err)
	}
	a.queue, a.series, a.attempts = q, series, attempts
	return nil
}

func (a *App) setupSources(context.Context) error {
	a.registry = source.NewRegistry(a.cfg.SourceList()...)
	client := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.HTTP.Timeout,
	})
	a.logger.Info("using colly API client", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	fredCfg := a.cfg.Sources[source.FRED]
	a.registry.Register(source.FRED, fred.New(client, fred.Config{MaxPages: fredCfg.MaxPages}))
	blsCfg := a.cfg.Sources[source.BLS]
	a.registry.Register(source.BLS, bls.New(client, bls.Config{SeriesIDs: blsCfg.SeriesIDs, Clock: a.clock}))
	wbCfg := a.cfg.Sources[source.WorldBank]
	a.registry.Register(source.WorldBank, worldbank.New(client, worldbank.Config{MaxPages: wbCfg.MaxPages, Clock: a.clock}))

	for _, src := range a.registry.Sources() {
		if err := a.registry.Validate(src.Name); err != nil && src.Enabled {
			a.logger.Warn("source cannot be crawled until configured", zap.String("source", src.Name), zap.Error(err))
		}
	}
	return nil
}

func (a *App) setupLimiter(ctx context.Context) error {
	limits := a.registry.RateLimits()
	if a.cfg.RateLimit.Backend != config.RateLimitRedis {
		a.limiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: limits, Processes: a.cfg.RateLimit.Processes})
		a.logger.Info("per-process rate limiter enabled", zap.Int("processes", a.cfg.RateLimit.Processes))
		return nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	limiter, err := ratelimit.NewRedisLimiter(a.redisClient, ratelimit.RedisConfig{
		RequestsPerMinute: limits,
		KeyPrefix:         a.cfg.RateLimit.KeyPrefix,
		Clock:             a.clock,
	})
	if err != nil {
		return fmt.Errorf("redis limiter init failed: %w", err)
	}
	a.limiter = limiter
	a.logger.Info("shared redis rate limiter enabled", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.NewWithLogger(memorypublisher.DefaultCapacity, a.logger.Named("publisher"))
		return nil
	}
	p, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicName: a.cfg.PubSub.TopicName,
		Ordering:  a.cfg.PubSub.Ordering,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub, a.publisher = p, p
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.Bool("ordering", a.cfg.PubSub.Ordering),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	pc := a.cfg.Progress
	if !pc.Enabled {
		a.logger.Info("attempt audit disabled")
		return nil
	}
	var sinkList []progress.Sink
	if pc.StoreEnabled && a.attempts != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.attempts, a.logger.Named("progress_store")))
	}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pc.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(a.opts.Registerer)
		if err != nil {
			return fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("attempt audit enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   pc.Batch.MaxWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	p, err := storage.Open(ctx, storage.Config{
		Backend:  a.cfg.Storage.Backend,
		LocalDir: a.cfg.Storage.LocalDir,
		Bucket:   a.cfg.Storage.Bucket,
		Prefix:   a.cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	a.blobs = p
	return nil
}

func (a *App) setupRuntime(context.Context) error {
	wc := a.cfg.Worker
	n := wc.Concurrency
	if a.opts.Workers > 0 {
		n = a.opts.Workers
	}
	workerCfg := worker.Config{
		PollInterval:       wc.PollInterval,
		AcquireTimeout:     wc.AcquireTimeout,
		JobTimeout:         wc.JobTimeout,
		MinDefer:           wc.MinDefer,
		WriteTimeout:       wc.WriteTimeout,
		RefetchInterval:    wc.RefetchInterval,
		DiscoveryBatchSize: wc.DiscoveryBatchSize,
		MaxDiscovered:      a.opts.MaxSeries,
		FetchLimit:         a.opts.MaxSeries,
		SkipFetch:          a.opts.SkipFetch,
	}
	deps := worker.Deps{
		Queue:      a.queue,
		Series:     a.series,
		Sources:    a.registry,
		Limiter:    a.limiter,
		Publisher:  a.publisher,
		Clock:      a.clock,
		IDs:        a.ids,
		StoreRetry: crawler.NewStoreRetryPolicy(),
	}
	if a.progressHub != nil {
		deps.Events = a.progressHub
	}

	processID := uuidgen.ProcessID()
	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		id := uuidgen.WorkerID(processID, i)
		w, err := worker.New(id, deps, workerCfg, a.logger.Named("worker").With(zap.String("worker_id", id)))
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, w)
	}
	a.logger.Info("worker pool configured",
		zap.Int("workers", n),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Int("max_series", a.opts.MaxSeries),
		zap.Bool("skip_fetch", a.opts.SkipFetch),
	)

	a.dispatch = dispatcher.New(a.queue, workers, a.clock, dispatcher.Config{
		StaleLockAge:    a.cfg.Queue.StaleLockAge,
		ReclaimInterval: a.cfg.Queue.ReclaimInterval,
		Retention:       a.cfg.Queue.Retention,
		CleanupInterval: a.cfg.Queue.CleanupInterval,
		IdlePoll:        minDuration(wc.PollInterval, time.Second),
	}, a.logger.Named("dispatcher"))
	a.scheduler = scheduler.New(a.queue, a.registry, a.clock, a.logger)
	a.reporter = status.New(a.queue, a.dispatch, a.scheduler, a.clock, a.logger.Named("status"))
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a > 0 && a < b {
		return a
	}
	return b
}
