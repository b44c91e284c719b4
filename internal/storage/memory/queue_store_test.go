package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/id/uuid"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*QueueStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	store, err := NewQueueStore(QueueStoreConfig{
		Clock:   clk,
		IDs:     uuid.NewUUIDGenerator(),
		Backoff: crawler.NewBackoffPolicy(2*time.Minute, 60*time.Minute),
	})
	require.NoError(t, err)
	return store, clk
}

func enqueue(t *testing.T, s *QueueStore, source, series string, priority int, maxRetries ...int) string {
	t.Helper()
	req := crawler.EnqueueRequest{Source: source, SeriesID: series, Priority: priority}
	if len(maxRetries) > 0 {
		req.MaxRetries = &maxRetries[0]
	}
	id, created, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestNewQueueStoreRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewQueueStore(QueueStoreConfig{IDs: uuid.NewUUIDGenerator()})
	require.Error(t, err)
	_, err = NewQueueStore(QueueStoreConfig{Clock: clock.New()})
	require.Error(t, err)
}

func TestEnqueueIsIdempotentForActiveKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	first := enqueue(t, s, "fred", "CPIAUCSL", crawler.PriorityNormal)
	again, created, err := s.Enqueue(ctx, crawler.EnqueueRequest{Source: "fred", SeriesID: "CPIAUCSL"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, again)

	other := enqueue(t, s, "fred", "UNRATE", crawler.PriorityNormal)
	require.NotEqual(t, first, other)

	items, err := s.List(ctx, crawler.ListFilter{Source: "fred"})
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	s, _ := newTestQueue(t)

	tooMany := crawler.MaxRetriesCeiling + 1
	for name, req := range map[string]crawler.EnqueueRequest{
		"missing source":   {SeriesID: "X"},
		"missing series":   {Source: "fred"},
		"priority too big": {Source: "fred", SeriesID: "X", Priority: 11},
		"retries too many": {Source: "fred", SeriesID: "X", MaxRetries: &tooMany},
	} {
		_, _, err := s.Enqueue(context.Background(), req)
		require.ErrorIs(t, err, crawler.ErrInvalidItem, name)
	}
}

func TestEnqueueAfterTerminalCreatesNewItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	id := enqueue(t, s, "bls", "CUUR0000SA0", crawler.PriorityNormal)
	item, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, item.ID)
	require.NoError(t, s.Complete(ctx, id, "w1"))

	next := enqueue(t, s, "bls", "CUUR0000SA0", crawler.PriorityNormal)
	require.NotEqual(t, id, next)
}

func TestClaimOrdersByPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	low := enqueue(t, s, "fred", "A", 1)
	high := enqueue(t, s, "fred", "B", 7)
	mid := enqueue(t, s, "fred", "C", 3)

	var order []string
	for range 3 {
		item, err := s.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, item)
		require.Equal(t, crawler.StatusProcessing, item.Status)
		require.Equal(t, "w1", *item.LockedBy)
		order = append(order, item.ID)
	}
	require.Equal(t, []string{high, mid, low}, order)

	item, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestClaimOrdersEqualPriorityByCreation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	first := enqueue(t, s, "fred", "A", crawler.PriorityNormal)
	clk.Advance(time.Second)
	second := enqueue(t, s, "fred", "B", crawler.PriorityNormal)

	item, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, first, item.ID)
	item, err = s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, second, item.ID)
}

func TestClaimHonorsNotBeforeAndVisibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	later := epoch.Add(time.Hour)
	_, _, err := s.Enqueue(ctx, crawler.EnqueueRequest{Source: "fred", SeriesID: "GDP", NotBefore: &later})
	require.NoError(t, err)

	item, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, item)

	clk.Advance(time.Hour)
	item, err = s.Claim(ctx, "w1", crawler.StatusRetrying)
	require.NoError(t, err)
	require.Nil(t, item, "pending item is not visible when only retrying is requested")

	item, err = s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	const total = 50
	for i := range total {
		enqueue(t, s, "worldbank", fmt.Sprintf("IND.%02d", i), crawler.PriorityNormal)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				item, err := s.Claim(ctx, worker)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[item.ID]; dup {
					mu.Unlock()
					t.Errorf("item %s claimed by %s and %s", item.ID, prev, worker)
					return
				}
				claimed[item.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	require.Len(t, claimed, total)
}

func TestFailExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	id := enqueue(t, s, "fred", "PAYEMS", crawler.PriorityNormal, 2)
	want := []crawler.Status{crawler.StatusRetrying, crawler.StatusRetrying, crawler.StatusFailed}
	for attempt, expected := range want {
		item, err := s.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", attempt)
		status, err := s.Fail(ctx, id, "w1", crawler.Failure{Message: "upstream 503"})
		require.NoError(t, err)
		require.Equal(t, expected, status)
		clk.Advance(2 * time.Hour)
	}

	item, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, item.Status)
	require.Equal(t, 2, item.RetryCount)
	require.Equal(t, "upstream 503", *item.ErrorMessage)
	require.Nil(t, item.LockedBy)

	next, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestFailBackoffIsMonotonicUntilCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	id := enqueue(t, s, "fred", "CPIAUCSL", crawler.PriorityNormal, crawler.MaxRetriesCeiling)
	var delays []time.Duration
	for range crawler.MaxRetriesCeiling {
		_, err := s.Claim(ctx, "w1")
		require.NoError(t, err)
		_, err = s.Fail(ctx, id, "w1", crawler.Failure{Message: "timeout"})
		require.NoError(t, err)
		item, err := s.Get(ctx, id)
		require.NoError(t, err)
		delays = append(delays, item.ScheduledFor.Sub(clk.Now()))
		clk.Set(*item.ScheduledFor)
	}

	for i := 1; i < len(delays); i++ {
		if delays[i-1] < 60*time.Minute {
			require.Greater(t, delays[i], delays[i-1], "retry %d", i+1)
		} else {
			require.Equal(t, 60*time.Minute, delays[i])
		}
	}
	require.GreaterOrEqual(t, delays[0], 2*time.Minute)
	require.Less(t, delays[0], 3*time.Minute)
	require.Equal(t, 60*time.Minute, delays[len(delays)-1])
}

func TestFailPermanentAndDefer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	deferred := enqueue(t, s, "bls", "A", crawler.PriorityHigh)
	permanent := enqueue(t, s, "bls", "B", crawler.PriorityNormal)

	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	status, err := s.Fail(ctx, deferred, "w1", crawler.Failure{Message: "rate limited", Defer: 30 * time.Second})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRetrying, status)
	item, err := s.Get(ctx, deferred)
	require.NoError(t, err)
	require.Zero(t, item.RetryCount)
	require.Equal(t, clk.Now().Add(30*time.Second), *item.ScheduledFor)

	claimed, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, permanent, claimed.ID)
	status, err = s.Fail(ctx, permanent, "w1", crawler.Failure{Message: "404", Permanent: true})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, status)
}

func TestMutationsRequireLockOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	id := enqueue(t, s, "fred", "A", crawler.PriorityNormal)
	require.ErrorIs(t, s.Complete(ctx, id, "w1"), crawler.ErrLockLost)

	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Complete(ctx, id, "w2"), crawler.ErrLockLost)
	_, err = s.Fail(ctx, id, "w2", crawler.Failure{Message: "x"})
	require.ErrorIs(t, err, crawler.ErrLockLost)
	require.ErrorIs(t, s.Complete(ctx, "missing", "w1"), crawler.ErrNotFound)
	require.NoError(t, s.Complete(ctx, id, "w1"))
}

func TestReclaimStaleLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	stale := enqueue(t, s, "fred", "A", crawler.PriorityHigh)
	fresh := enqueue(t, s, "fred", "B", crawler.PriorityNormal)
	_, err := s.Claim(ctx, "dead-worker")
	require.NoError(t, err)
	clk.Advance(31 * time.Minute)
	_, err = s.Claim(ctx, "live-worker")
	require.NoError(t, err)

	n, err := s.ReclaimStaleLocks(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	item, err := s.Get(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, item.Status)
	require.Nil(t, item.LockedBy)
	require.ErrorIs(t, s.Complete(ctx, stale, "dead-worker"), crawler.ErrLockLost)

	item, err = s.Get(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusProcessing, item.Status)
}

func TestClaimAndReclaimClearErrorMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	id := enqueue(t, s, "fred", "GDP", crawler.PriorityNormal)
	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	status, err := s.Fail(ctx, id, "w1", crawler.Failure{Message: "boom"})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRetrying, status)
	item, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, item.ErrorMessage)

	clk.Advance(2 * time.Hour)
	claimed, err := s.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.Nil(t, claimed.ErrorMessage)

	clk.Advance(time.Hour)
	n, err := s.ReclaimStaleLocks(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	item, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, item.Status)
	require.Nil(t, item.ErrorMessage)
}

func TestReclaimRejectsNonPositiveAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	id := enqueue(t, s, "fred", "GDP", crawler.PriorityNormal)
	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = s.ReclaimStaleLocks(ctx, 0)
	require.Error(t, err)
	item, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusProcessing, item.Status)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestQueue(t)

	id := enqueue(t, s, "worldbank", "SP.POP.TOTL", crawler.PriorityNormal)
	require.NoError(t, s.Cancel(ctx, id))
	item, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCancelled, item.Status)

	require.ErrorIs(t, s.Cancel(ctx, id), crawler.ErrInvalidTransition)
	require.ErrorIs(t, s.Cancel(ctx, "missing"), crawler.ErrNotFound)

	enqueue(t, s, "worldbank", "SP.POP.TOTL", crawler.PriorityNormal)
}

func TestCompleteAndRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	id := enqueue(t, s, "fred", "UNRATE", crawler.PriorityHigh, 5)
	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)

	notBefore := clk.Now().Add(24 * time.Hour)
	nextID, err := s.CompleteAndRequeue(ctx, id, "w1", notBefore)
	require.NoError(t, err)
	require.NotEqual(t, id, nextID)

	done, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCompleted, done.Status)

	next, err := s.Get(ctx, nextID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, next.Status)
	require.Equal(t, crawler.PriorityHigh, next.Priority)
	require.Equal(t, 5, next.MaxRetries)
	require.Equal(t, notBefore, *next.ScheduledFor)
}

func TestStatsAndCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	done := enqueue(t, s, "fred", "A", crawler.PriorityCritical)
	enqueue(t, s, "fred", "B", crawler.PriorityHigh)
	cancelled := enqueue(t, s, "fred", "C", crawler.PriorityLow)

	_, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	require.NoError(t, s.Complete(ctx, done, "w1"))
	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, cancelled))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalItems)
	require.Equal(t, int64(1), stats.CompletedItems)
	require.Equal(t, int64(1), stats.ProcessingItems)
	require.Equal(t, int64(1), stats.CancelledItems)
	require.Zero(t, stats.PendingItems)
	require.Nil(t, stats.OldestPending)
	require.Equal(t, 2*time.Second, stats.AverageProcessingTime)
	require.NotNil(t, stats.LastCompletedAt)

	clk.Advance(31 * 24 * time.Hour)
	removed, err := s.Cleanup(ctx, clk.Now().Add(-720*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalItems)
	require.Zero(t, stats.AverageProcessingTime)
}

func TestListFilterAndPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestQueue(t)

	for i := range 5 {
		enqueue(t, s, "bls", fmt.Sprintf("S%d", i), crawler.PriorityNormal)
		clk.Advance(time.Second)
	}
	enqueue(t, s, "fred", "X", crawler.PriorityNormal)

	page, err := s.List(ctx, crawler.ListFilter{Source: "bls", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "S3", page[0].SeriesID)
	require.Equal(t, "S2", page[1].SeriesID)

	pending, err := s.List(ctx, crawler.ListFilter{Status: crawler.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 6)

	empty, err := s.List(ctx, crawler.ListFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, empty)
}
