// Package dispatcher runs a pool of queue workers and the queue maintenance
// sweeps: stale-lock reclamation and retention cleanup.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/worker"
)

const (
	defaultStaleLockAge    = 30 * time.Minute
	defaultReclaimInterval = time.Minute
	defaultRetention       = 720 * time.Hour
	defaultCleanupInterval = time.Hour
	defaultIdlePoll        = 100 * time.Millisecond
)

// Config controls the maintenance loop.
type Config struct {
	StaleLockAge    time.Duration
	ReclaimInterval time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	// IdlePoll is how long a RunUntilIdle worker waits when it finds no
	// work but another worker is still busy.
	IdlePoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleLockAge <= 0 {
		c.StaleLockAge = defaultStaleLockAge
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = defaultIdlePoll
	}
	return c
}

// Dispatcher fans queue work out to a fixed pool of workers.
type Dispatcher struct {
	queue   crawler.QueueStore
	workers []*worker.Worker
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	running  atomic.Bool
	inFlight atomic.Int64
}

// New creates a Dispatcher.
func New(
	queue crawler.QueueStore,
	workers []*worker.Worker,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run starts every worker and the maintenance loop, and blocks until ctx
// ends and all workers have returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.maintain(ctx)
	}()
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// RunUntilIdle processes items until a claim comes back empty while no other
// worker is mid-claim or mid-item. Items scheduled in the future are left in
// the queue.
func (d *Dispatcher) RunUntilIdle(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	if _, err := d.Reclaim(ctx); err != nil {
		d.logger.Warn("initial reclaim failed", zap.Error(err))
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			if err := d.drain(ctx, wk); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (d *Dispatcher) drain(ctx context.Context, w *worker.Worker) error {
	for ctx.Err() == nil {
		d.inFlight.Add(1)
		processed, err := w.RunOnce(ctx)
		others := d.inFlight.Add(-1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %s: %w", w.ID(), err)
		}
		if processed {
			continue
		}
		if others == 0 {
			return nil
		}
		timer := time.NewTimer(d.cfg.IdlePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

// ActiveWorkers counts workers currently holding an item.
func (d *Dispatcher) ActiveWorkers() int {
	n := 0
	for _, w := range d.workers {
		if w.Busy() {
			n++
		}
	}
	return n
}

// IsRunning reports whether Run or RunUntilIdle is in progress.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Reclaim returns items locked longer than the stale-lock age to pending.
func (d *Dispatcher) Reclaim(ctx context.Context) (int64, error) {
	n, err := d.queue.ReclaimStaleLocks(ctx, d.cfg.StaleLockAge)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale locks: %w", err)
	}
	if n > 0 {
		d.logger.Warn("reclaimed stale locks", zap.Int64("items", n), zap.Duration("max_lock_age", d.cfg.StaleLockAge))
	}
	return n, nil
}

// Cleanup deletes terminal items older than the retention period.
func (d *Dispatcher) Cleanup(ctx context.Context) (int64, error) {
	cutoff := d.clock.Now().Add(-d.cfg.Retention)
	n, err := d.queue.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	if n > 0 {
		d.logger.Info("removed expired queue items", zap.Int64("items", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func (d *Dispatcher) maintain(ctx context.Context) {
	reclaim := time.NewTicker(d.cfg.ReclaimInterval)
	defer reclaim.Stop()
	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()

	if _, err := d.Reclaim(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("reclaim failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if _, err := d.Reclaim(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("reclaim failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := d.Cleanup(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}
