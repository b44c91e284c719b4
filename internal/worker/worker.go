// Package worker claims queue items and runs them through their source adapter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-econ-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

// TopicSeriesUpdated is the notification topic for fetches that changed data.
const TopicSeriesUpdated = "series.updated"

const (
	defaultPollInterval   = 5 * time.Second
	defaultAcquireTimeout = 30 * time.Second
	defaultJobTimeout     = 10 * time.Minute
	defaultMinDefer       = 30 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultBatchSize      = 500
)

// Config controls Worker behavior.
type Config struct {
	// PollInterval is the sleep after a claim finds nothing.
	PollInterval time.Duration
	// AcquireTimeout bounds the wait for a rate-limit token.
	AcquireTimeout time.Duration
	// JobTimeout bounds adapter work for one item.
	JobTimeout time.Duration
	// MinDefer is the shortest postponement of a rate-limited item.
	MinDefer time.Duration
	// WriteTimeout bounds the final queue write, which outlives shutdown.
	WriteTimeout time.Duration
	// RefetchInterval, when positive, re-enqueues completed fetch items this
	// far in the future.
	RefetchInterval time.Duration
	// DiscoveryBatchSize is the number of series upserted per store call.
	DiscoveryBatchSize int
	// MaxDiscovered stops a discovery job after this many series; zero means all.
	MaxDiscovered int
	// FetchLimit caps fetch jobs enqueued per discovery; zero means no cap.
	FetchLimit int
	// SkipFetch disables fetch fan-out after discovery.
	SkipFetch bool
	// Visible lists the statuses Claim considers.
	Visible []crawler.Status
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.MinDefer <= 0 {
		c.MinDefer = defaultMinDefer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DiscoveryBatchSize <= 0 {
		c.DiscoveryBatchSize = defaultBatchSize
	}
	if len(c.Visible) == 0 {
		c.Visible = crawler.ClaimableStatuses
	}
	return c
}

// Sources resolves a queue item's source to its configuration and adapter.
type Sources interface {
	Lookup(name string) (crawler.Source, source.Adapter, error)
}

// Deps are the collaborators a Worker needs. Publisher and Events are optional.
type Deps struct {
	Queue      crawler.QueueStore
	Series     crawler.SeriesStore
	Sources    Sources
	Limiter    crawler.RateLimiter
	Publisher  crawler.Publisher
	Events     progress.Emitter
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	StoreRetry *crawler.StoreRetryPolicy
}

// SeriesUpdated is the payload published on TopicSeriesUpdated.
type SeriesUpdated struct {
	Source       string    `json:"source"`
	SeriesID     string    `json:"series_id"`
	ItemID       string    `json:"item_id"`
	Observations int       `json:"observations"`
	Revisions    int       `json:"revisions"`
	LatestDate   string    `json:"latest_date,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrderingKey groups updates of one series.
func (m SeriesUpdated) OrderingKey() string { return m.Source + "/" + m.SeriesID }

// Worker processes one queue item at a time.
type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	logger *zap.Logger
	busy   atomic.Bool
}

// New constructs a Worker identified by id.
func New(id string, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: worker id is required", crawler.ErrConfiguration)
	case deps.Queue == nil:
		return nil, fmt.Errorf("%w: queue store is required", crawler.ErrConfiguration)
	case deps.Series == nil:
		return nil, fmt.Errorf("%w: series store is required", crawler.ErrConfiguration)
	case deps.Sources == nil:
		return nil, fmt.Errorf("%w: source registry is required", crawler.ErrConfiguration)
	case deps.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter is required", crawler.ErrConfiguration)
	case deps.Clock == nil:
		return nil, fmt.Errorf("%w: clock is required", crawler.ErrConfiguration)
	case deps.IDs == nil:
		return nil, fmt.Errorf("%w: id generator is required", crawler.ErrConfiguration)
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.StoreRetry == nil {
		deps.StoreRetry = crawler.NewStoreRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("worker_id", id)),
	}, nil
}

// ID returns the lock owner name of this worker.
func (w *Worker) ID() string { return w.id }

// Busy reports whether the worker holds a claimed item.
func (w *Worker) Busy() bool { return w.busy.Load() }

// PollInterval is the idle sleep between empty claims.
func (w *Worker) PollInterval() time.Duration { return w.cfg.PollInterval }

// Run claims and processes items until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		if processed {
			continue
		}
		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one item and processes it. It reports whether an
// item was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var item *crawler.QueueItem
	err := w.withStoreRetry(ctx, "claim", func(ctx context.Context) error {
		var err error
		item, err = w.deps.Queue.Claim(ctx, w.id, w.cfg.Visible...)
		return err
	})
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	w.process(ctx, *item)
	return true, nil
}

type result struct {
	discovered int
	enqueued   int
	upsert     crawler.UpsertResult
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	w.busy.Store(true)
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		w.busy.Store(false)
	}()

	logger := w.logger.With(
		zap.String("item_id", item.ID),
		zap.String("source", item.Source),
		zap.String("series_id", item.SeriesID),
		zap.String("kind", string(item.Kind)),
	)
	start := w.deps.Clock.Now()
	evt := progress.Event{
		AttemptID: w.attemptID(item),
		ItemID:    item.ID,
		WorkerID:  w.id,
		Source:    item.Source,
		SeriesID:  item.SeriesID,
		Kind:      item.Kind,
		Attempt:   item.RetryCount + 1,
		Stage:     progress.StageAttemptStart,
		TS:        start,
	}
	w.deps.Events.Emit(evt)
	logger.Debug("processing item", zap.Int("attempt", evt.Attempt))

	res, execErr := w.execute(ctx, item, logger)
	outcome, class := w.record(ctx, item, execErr, logger)

	evt.TS = w.deps.Clock.Now()
	evt.Dur = max(evt.TS.Sub(start), 0)
	evt.Outcome = outcome
	evt.Inserted = res.upsert.Inserted
	evt.Revisions = res.upsert.Revisions
	evt.Stage = progress.StageAttemptDone
	if execErr != nil || outcome != progress.OutcomeCompleted {
		evt.Stage = progress.StageAttemptError
		evt.ErrorClass = class
		if execErr != nil {
			evt.Note = crawler.TruncateMessage(execErr.Error())
		}
	}
	w.deps.Events.Emit(evt)
	metrics.ObserveJob(item.Source, string(item.Kind), string(outcome), evt.Dur)
}

// execute looks up the adapter, takes a rate-limit token, and runs the item.
func (w *Worker) execute(ctx context.Context, item crawler.QueueItem, logger *zap.Logger) (result, error) {
	src, adapter, err := w.deps.Sources.Lookup(item.Source)
	if err != nil {
		return result{}, crawler.Permanent(err)
	}
	if err := w.deps.Limiter.Acquire(ctx, src.Name, w.cfg.AcquireTimeout); err != nil {
		return result{}, err
	}
	gate := ratelimit.NewGate(w.deps.Limiter, src.Name)
	gate.Prepay()
	jobCtx, cancel := context.WithTimeout(ratelimit.WithGate(ctx, gate), w.cfg.JobTimeout)
	defer cancel()

	switch item.Kind {
	case crawler.KindDiscovery:
		return w.discover(jobCtx, src, adapter, logger)
	case crawler.KindFetch:
		return w.fetch(jobCtx, item, src, adapter, logger)
	default:
		return result{}, crawler.Permanent(fmt.Errorf("unknown item kind %q", item.Kind))
	}
}

// record writes the attempt result to the queue and maps it to an outcome.
func (w *Worker) record(
	ctx context.Context,
	item crawler.QueueItem,
	execErr error,
	logger *zap.Logger,
) (progress.Outcome, crawler.ErrorClass) {
	if execErr != nil && ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
		logger.Info("shutdown during attempt, leaving item for reclamation")
		return progress.OutcomeAbandoned, crawler.ClassCanceled
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	if execErr == nil {
		err := w.complete(writeCtx, item)
		switch {
		case errors.Is(err, crawler.ErrLockLost), errors.Is(err, crawler.ErrNotFound):
			logger.Warn("lock lost before completion", zap.Error(err))
			return progress.OutcomeLockLost, crawler.ClassNone
		case err != nil:
			logger.Error("complete failed, item left for reclamation", zap.Error(err))
			return progress.OutcomeAbandoned, crawler.ClassStorage
		}
		logger.Info("item completed")
		return progress.OutcomeCompleted, crawler.ClassNone
	}

	class := crawler.ClassOf(execErr)
	failure := crawler.Classify(execErr, w.cfg.MinDefer)
	var status crawler.Status
	err := w.withStoreRetry(writeCtx, "fail", func(ctx context.Context) error {
		var err error
		status, err = w.deps.Queue.Fail(ctx, item.ID, w.id, failure)
		return err
	})
	switch {
	case errors.Is(err, crawler.ErrLockLost), errors.Is(err, crawler.ErrNotFound):
		logger.Warn("lock lost before failure was recorded", zap.Error(err))
		return progress.OutcomeLockLost, class
	case err != nil:
		logger.Error("fail failed, item left for reclamation", zap.NamedError("cause", execErr), zap.Error(err))
		return progress.OutcomeAbandoned, class
	}

	switch {
	case status == crawler.StatusFailed:
		logger.Warn("item failed", zap.String("error_class", string(class)), zap.Error(execErr))
		return progress.OutcomeFailed, class
	case failure.Defer > 0:
		logger.Info("item deferred", zap.Duration("defer", failure.Defer), zap.Error(execErr))
		return progress.OutcomeDeferred, class
	default:
		logger.Warn("item will retry", zap.String("error_class", string(class)), zap.Error(execErr))
		return progress.OutcomeRetrying, class
	}
}

func (w *Worker) complete(ctx context.Context, item crawler.QueueItem) error {
	if w.cfg.RefetchInterval > 0 && item.Kind == crawler.KindFetch {
		next := w.deps.Clock.Now().Add(w.cfg.RefetchInterval)
		return w.withStoreRetry(ctx, "complete_requeue", func(ctx context.Context) error {
			_, err := w.deps.Queue.CompleteAndRequeue(ctx, item.ID, w.id, next)
			return err
		})
	}
	return w.withStoreRetry(ctx, "complete", func(ctx context.Context) error {
		return w.deps.Queue.Complete(ctx, item.ID, w.id)
	})
}

// withStoreRetry runs fn under the store retry policy and counts retries.
func (w *Worker) withStoreRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	calls := 0
	return w.deps.StoreRetry.Do(ctx, op, func(ctx context.Context) error {
		calls++
		if calls > 1 {
			metrics.ObserveStoreRetry(op)
		}
		return fn(ctx)
	})
}

func (w *Worker) attemptID(item crawler.QueueItem) string {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Sprintf("%s-%d-%d", item.ID, item.RetryCount+1, w.deps.Clock.Now().UnixNano())
	}
	return id
}
