// Package status aggregates queue statistics and pool state for the status
// surfaces and the queue gauges.
package status

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
)

// Pool reports worker state.
type Pool interface {
	IsRunning() bool
	ActiveWorkers() int
}

// Schedule reports cron timing.
type Schedule interface {
	NextRun() *time.Time
	LastRun() *time.Time
}

// Reporter builds CrawlerStatus and QueueStatistics snapshots.
type Reporter struct {
	queue    crawler.QueueStore
	pool     Pool
	schedule Schedule
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Reporter. pool and schedule may be nil for processes that
// run neither, such as the operator CLI.
func New(queue crawler.QueueStore, pool Pool, schedule Schedule, clock crawler.Clock, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{queue: queue, pool: pool, schedule: schedule, clock: clock, logger: logger}
}

// QueueStatistics returns aggregate queue counts.
func (r *Reporter) QueueStatistics(ctx context.Context) (crawler.QueueStatistics, error) {
	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return crawler.QueueStatistics{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// CrawlerStatus reports whether the pool runs, how many workers are busy, and
// when the last and next crawls happen.
func (r *Reporter) CrawlerStatus(ctx context.Context) (crawler.CrawlerStatus, error) {
	stats, err := r.QueueStatistics(ctx)
	if err != nil {
		return crawler.CrawlerStatus{}, err
	}
	var out crawler.CrawlerStatus
	if r.pool != nil {
		out.IsRunning = r.pool.IsRunning()
		out.ActiveWorkers = r.pool.ActiveWorkers()
	}
	out.LastCrawl = stats.LastCompletedAt
	if r.schedule != nil {
		if last := r.schedule.LastRun(); last != nil && (out.LastCrawl == nil || last.After(*out.LastCrawl)) {
			out.LastCrawl = last
		}
		out.NextScheduledCrawl = r.schedule.NextRun()
	}
	return out, nil
}

// Refresh publishes the current statistics to the queue gauges.
func (r *Reporter) Refresh(ctx context.Context) error {
	stats, err := r.QueueStatistics(ctx)
	if err != nil {
		return err
	}
	counts := map[crawler.Status]int64{
		crawler.StatusPending:    stats.PendingItems,
		crawler.StatusProcessing: stats.ProcessingItems,
		crawler.StatusRetrying:   stats.RetryingItems,
		crawler.StatusCompleted:  stats.CompletedItems,
		crawler.StatusFailed:     stats.FailedItems,
		crawler.StatusCancelled:  stats.CancelledItems,
	}
	for _, s := range crawler.AllStatuses {
		metrics.SetQueueItems(string(s), counts[s])
	}
	var oldest time.Duration
	if stats.OldestPending != nil {
		oldest = max(r.clock.Now().Sub(*stats.OldestPending), 0)
	}
	metrics.SetQueueLatency(oldest, stats.AverageProcessingTime)
	return nil
}

// Run refreshes the gauges every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("refresh queue gauges failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
