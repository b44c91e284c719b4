package worker

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	uuidgen "github.com/JakeFAU/realtime-econ-crawler/internal/id/uuid"
	"github.com/JakeFAU/realtime-econ-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
	"github.com/JakeFAU/realtime-econ-crawler/internal/publisher/memory"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
	memstore "github.com/JakeFAU/realtime-econ-crawler/internal/storage/memory"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock     *clock.Fake
	queue     *memstore.QueueStore
	series    *memstore.SeriesStore
	registry  *source.Registry
	publisher *memory.Publisher
	events    *recordingEmitter
	limits    map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	queue, err := memstore.NewQueueStore(memstore.QueueStoreConfig{Clock: clk, IDs: uuidgen.NewUUIDGenerator()})
	require.NoError(t, err)
	return &harness{
		clock:     clk,
		queue:     queue,
		series:    memstore.NewSeriesStore(),
		registry:  source.NewRegistry(),
		publisher: memory.New(),
		events:    &recordingEmitter{},
		limits:    map[string]int{},
	}
}

func (h *harness) addSource(src crawler.Source, adapter source.Adapter) {
	src.Enabled = true
	h.registry.Configure(src)
	h.registry.Register(src.Name, adapter)
	h.limits[source.Normalize(src.Name)] = src.RequestsPerMinute
}

func (h *harness) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	return h.workerWith(t, cfg, func(*Deps) {})
}

func (h *harness) workerWith(t *testing.T, cfg Config, edit func(*Deps)) *Worker {
	t.Helper()
	deps := Deps{
		Queue:     h.queue,
		Series:    h.series,
		Sources:   h.registry,
		Limiter:   ratelimit.New(ratelimit.Config{RequestsPerMinute: h.limits}),
		Publisher: h.publisher,
		Events:    h.events,
		Clock:     h.clock,
		IDs:       uuidgen.NewUUIDGenerator(),
	}
	edit(&deps)
	w, err := New("test-host-1-w0", deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return w
}

func (h *harness) enqueue(t *testing.T, req crawler.EnqueueRequest) string {
	t.Helper()
	id, created, err := h.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) finished() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Finished() {
			out = append(out, evt)
		}
	}
	return out
}

// stubAdapter serves canned catalog entries and observations.
type stubAdapter struct {
	series   []crawler.DiscoveredSeries
	obs      []crawler.Observation
	fetchErr error
	fetch    func(ctx context.Context) error

	mu     sync.Mutex
	sinces []*time.Time
}

func (s *stubAdapter) Discover(context.Context, crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error] {
	return func(yield func(crawler.DiscoveredSeries, error) bool) {
		for _, ds := range s.series {
			if !yield(ds, nil) {
				return
			}
		}
	}
}

func (s *stubAdapter) Fetch(ctx context.Context, _ crawler.Source, _ string, since *time.Time) ([]crawler.Observation, error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	s.mu.Unlock()
	if s.fetch != nil {
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.obs, nil
}

// lockStealingQueue reports ErrLockLost from Complete after delegating Claim.
type lockStealingQueue struct {
	crawler.QueueStore
}

func (lockStealingQueue) Complete(context.Context, string, string) error {
	return crawler.ErrLockLost
}

// flakySeries fails the first n UpsertObservations calls with a storage error.
type flakySeries struct {
	crawler.SeriesStore
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakySeries) UpsertObservations(
	ctx context.Context,
	source, seriesID string,
	obs []crawler.Observation,
) (crawler.UpsertResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return crawler.UpsertResult{}, errConnReset
	}
	return f.SeriesStore.UpsertObservations(ctx, source, seriesID, obs)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errConnReset
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

const errConnReset = stringErr("connection reset by peer")

func ptr[T any](v T) *T { return &v }
