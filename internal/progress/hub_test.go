package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("a", StageAttemptStart))
	hub.Emit(sampleEvent("a", StageAttemptDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesPartialBatchOnTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("a", StageAttemptStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(sampleEvent("a", StageAttemptStart))
	hub.Emit(sampleEvent("b", StageAttemptStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{ItemID: "x", TS: time.Now(), Stage: StageAttemptStart})
	hub.Emit(sampleEvent("ok", StageAttemptStart))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, "ok", batches[0][0].AttemptID)
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent("a", StageAttemptStart))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.Closed())

	// Emits after Close are ignored.
	hub.Emit(sampleEvent("late", StageAttemptStart))
	require.Len(t, sink.Batches(), 1)
}

func TestHubKeepsGoingWhenSinkFails(t *testing.T) {
	t.Parallel()

	failing := sinkFunc(func(context.Context, []Event) error { return errors.New("boom") })
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, failing, sink)

	hub.Emit(sampleEvent("a", StageAttemptStart))
	hub.Emit(sampleEvent("b", StageAttemptStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 2)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	ok := sampleEvent("a", StageAttemptDone)
	require.NoError(t, ok.Validate())

	noOutcome := ok
	noOutcome.Outcome = ""
	require.Error(t, noOutcome.Validate())

	badStage := ok
	badStage.Stage = "JOB_START"
	require.Error(t, badStage.Validate())

	negative := ok
	negative.Dur = -time.Second
	require.Error(t, negative.Validate())

	noItem := ok
	noItem.ItemID = ""
	require.Error(t, noItem.Validate())
}

func TestEventStartedAt(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := Event{TS: ts, Dur: 5 * time.Second, Stage: StageAttemptError}
	require.Equal(t, ts.Add(-5*time.Second), evt.StartedAt())
	require.True(t, evt.Finished())
	require.False(t, Event{Stage: StageAttemptStart}.Finished())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(attemptID string, stage Stage) Event {
	evt := Event{
		AttemptID: attemptID,
		ItemID:    "item-" + attemptID,
		WorkerID:  "host-1-w0",
		Source:    "FRED",
		SeriesID:  "GDP",
		Kind:      crawler.KindFetch,
		Stage:     stage,
		Attempt:   1,
		TS:        time.Now(),
	}
	if stage != StageAttemptStart {
		evt.Outcome = OutcomeCompleted
		evt.Dur = time.Second
	}
	return evt
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
