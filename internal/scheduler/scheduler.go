// Package scheduler enqueues discovery jobs on each source's cron schedule and
// serves manual triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

// Parser accepts standard five-field expressions and descriptors such as
// "@every 6h" or "@daily".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sources is the subset of the source registry the scheduler needs.
type Sources interface {
	Lookup(name string) (crawler.Source, source.Adapter, error)
	Validate(name string) error
	Enabled() []crawler.Source
}

// TriggerRequest asks for a crawl of one source. Without SeriesIDs a discovery
// job is enqueued; otherwise one fetch job per series.
type TriggerRequest struct {
	Source    string   `json:"source"`
	SeriesIDs []string `json:"series_ids,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// Scheduler owns the cron timer.
type Scheduler struct {
	queue   crawler.QueueStore
	sources Sources
	clock   crawler.Clock
	logger  *zap.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	lastRun *time.Time
}

// New constructs a Scheduler. Nothing fires until Start.
func New(queue crawler.QueueStore, sources Sources, clock crawler.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		queue:   queue,
		sources: sources,
		clock:   clock,
		logger:  logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers a cron entry per enabled source that has a schedule and
// starts the timer. The timer stops when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, src := range s.sources.Enabled() {
		if src.Schedule == "" {
			continue
		}
		if err := s.schedule(src); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())))
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}()
	return nil
}

func (s *Scheduler) schedule(src crawler.Source) error {
	name := src.Name
	id, err := s.cron.AddFunc(src.Schedule, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		ids, err := s.Trigger(ctx, TriggerRequest{Source: name})
		if err != nil {
			s.logger.Warn("scheduled crawl skipped", zap.String("source", name), zap.Error(err))
			return
		}
		s.logger.Info("scheduled crawl enqueued", zap.String("source", name), zap.Strings("item_ids", ids))
	})
	if err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", crawler.ErrConfiguration, src.Schedule, name, err)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	return nil
}

// Trigger validates req and enqueues its jobs, returning the item ids. An
// already active item for the same key is reported by its existing id.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) ([]string, error) {
	if err := s.sources.Validate(req.Source); err != nil {
		return nil, err
	}
	src, _, err := s.sources.Lookup(req.Source)
	if err != nil {
		return nil, err
	}
	reqs, err := buildRequests(src, req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		id, created, err := s.queue.Enqueue(ctx, r)
		if err != nil {
			return ids, fmt.Errorf("enqueue %s/%s: %w", r.Source, r.SeriesID, err)
		}
		if !created {
			s.logger.Debug("item already active", zap.String("item_id", id), zap.String("series_id", r.SeriesID))
		}
		ids = append(ids, id)
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()
	return ids, nil
}

// buildRequests validates every request before any is enqueued.
func buildRequests(src crawler.Source, req TriggerRequest) ([]crawler.EnqueueRequest, error) {
	priority := req.Priority
	if priority == 0 {
		priority = src.Priority
	}
	if len(req.SeriesIDs) == 0 {
		r, err := crawler.EnqueueRequest{Kind: crawler.KindDiscovery, Source: src.Name, Priority: priority}.Normalize()
		if err != nil {
			return nil, err
		}
		return []crawler.EnqueueRequest{r}, nil
	}
	seen := make(map[string]struct{}, len(req.SeriesIDs))
	out := make([]crawler.EnqueueRequest, 0, len(req.SeriesIDs))
	for _, id := range req.SeriesIDs {
		r, err := crawler.EnqueueRequest{Kind: crawler.KindFetch, Source: src.Name, SeriesID: id, Priority: priority}.Normalize()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.SeriesID]; dup {
			continue
		}
		seen[r.SeriesID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// TriggerAll enqueues a discovery job for every enabled source. Sources that
// fail validation are reported in the joined error; the rest still run.
func (s *Scheduler) TriggerAll(ctx context.Context, priority int) (map[string][]string, error) {
	out := make(map[string][]string)
	var errs []error
	for _, src := range s.sources.Enabled() {
		ids, err := s.Trigger(ctx, TriggerRequest{Source: src.Name, Priority: priority})
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", src.Name, err))
			continue
		}
		out[src.Name] = ids
	}
	return out, errors.Join(errs...)
}

// NextRun is the earliest upcoming cron firing, or nil when nothing is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	now := s.clock.Now()
	var next []time.Time
	for _, e := range s.cron.Entries() {
		if t := e.Schedule.Next(now); !t.IsZero() {
			next = append(next, t)
		}
	}
	if len(next) == 0 {
		return nil
	}
	t := slices.MinFunc(next, func(a, b time.Time) int { return a.Compare(b) })
	return &t
}

// LastRun is the time of the most recent successful trigger.
func (s *Scheduler) LastRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	t := *s.lastRun
	return &t
}

// Scheduled lists the sources with a cron entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
