package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	uuidgen "github.com/JakeFAU/realtime-econ-crawler/internal/id/uuid"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage/memory"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePool struct {
	running bool
	active  int
}

func (p fakePool) IsRunning() bool    { return p.running }
func (p fakePool) ActiveWorkers() int { return p.active }

type fakeSchedule struct {
	next, last *time.Time
}

func (s fakeSchedule) NextRun() *time.Time { return s.next }
func (s fakeSchedule) LastRun() *time.Time { return s.last }

type brokenQueue struct {
	crawler.QueueStore
}

func (brokenQueue) Stats(context.Context) (crawler.QueueStatistics, error) {
	return crawler.QueueStatistics{}, errors.New("connection refused")
}

func seededQueue(t *testing.T, clk *clock.Fake) *memory.QueueStore {
	t.Helper()
	ctx := context.Background()
	q, err := memory.NewQueueStore(memory.QueueStoreConfig{Clock: clk, IDs: uuidgen.NewUUIDGenerator()})
	require.NoError(t, err)

	_, _, err = q.Enqueue(ctx, crawler.EnqueueRequest{Source: "FRED", SeriesID: "GDP"})
	require.NoError(t, err)
	item, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	require.NoError(t, q.Complete(ctx, item.ID, "w1"))

	_, _, err = q.Enqueue(ctx, crawler.EnqueueRequest{Source: "FRED", SeriesID: "UNRATE"})
	require.NoError(t, err)
	return q
}

func gaugeValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestCrawlerStatusPrefersLaterSchedulerRun(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	q := seededQueue(t, clk)
	completedAt := epoch.Add(2 * time.Second)

	r := New(q, fakePool{running: true, active: 3}, nil, clk, zap.NewNop())
	st, err := r.CrawlerStatus(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsRunning)
	require.Equal(t, 3, st.ActiveWorkers)
	require.Equal(t, completedAt, *st.LastCrawl)
	require.Nil(t, st.NextScheduledCrawl)

	last := epoch.Add(time.Hour)
	next := epoch.Add(6 * time.Hour)
	r = New(q, nil, fakeSchedule{next: &next, last: &last}, clk, zap.NewNop())
	st, err = r.CrawlerStatus(context.Background())
	require.NoError(t, err)
	require.False(t, st.IsRunning)
	require.Equal(t, last, *st.LastCrawl)
	require.Equal(t, next, *st.NextScheduledCrawl)

	earlier := epoch.Add(-time.Hour)
	r = New(q, nil, fakeSchedule{last: &earlier}, clk, zap.NewNop())
	st, err = r.CrawlerStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, completedAt, *st.LastCrawl)
}

func TestQueueStatisticsWrapsStoreError(t *testing.T) {
	t.Parallel()

	r := New(brokenQueue{}, nil, nil, clock.NewFake(epoch), zap.NewNop())
	_, err := r.QueueStatistics(context.Background())
	require.ErrorContains(t, err, "queue stats")
	_, err = r.CrawlerStatus(context.Background())
	require.Error(t, err)
	require.Error(t, r.Refresh(context.Background()))
}

func TestRefreshSetsQueueGauges(t *testing.T) {
	clk := clock.NewFake(epoch)
	q := seededQueue(t, clk)
	clk.Advance(90 * time.Second)

	r := New(q, nil, nil, clk, zap.NewNop())
	require.NoError(t, r.Refresh(context.Background()))

	require.InDelta(t, 1, gaugeValue(t, "crawler_queue_items", map[string]string{"status": "pending"}), 0)
	require.InDelta(t, 1, gaugeValue(t, "crawler_queue_items", map[string]string{"status": "completed"}), 0)
	require.InDelta(t, 0, gaugeValue(t, "crawler_queue_items", map[string]string{"status": "failed"}), 0)
	require.InDelta(t, 90, gaugeValue(t, "crawler_queue_oldest_pending_age_seconds", nil), 0.001)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	r := New(seededQueue(t, clk), nil, nil, clk, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
