package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := crawlerJobsTotal
	Init()
	if crawlerJobsTotal == nil || crawlerJobsTotal != first {
		t.Fatal("Init() did not keep a single set of collectors")
	}
}

func TestObserveJob(t *testing.T) {
	ObserveJob("fred", "fetch", "completed", 2*time.Second)
	ObserveJob("fred", "fetch", "completed", time.Second)

	if val := testutil.ToFloat64(crawlerJobsTotal.WithLabelValues("fred", "fetch", "completed")); val != 2 {
		t.Errorf("expected 2 completed fred jobs, got %f", val)
	}
	if n := testutil.CollectAndCount(crawlerJobDurationSeconds); n <= 0 {
		t.Errorf("expected job duration observations, got %d", n)
	}
}

func TestObserveObservationsSkipsZero(t *testing.T) {
	ObserveObservations("bls", 3, 0)

	if val := testutil.ToFloat64(crawlerObservationsTotal.WithLabelValues("bls", "inserted")); val != 3 {
		t.Errorf("expected 3 inserted, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerObservationsTotal.WithLabelValues("bls", "revision")); val != 0 {
		t.Errorf("expected no revisions, got %f", val)
	}
}

func TestQueueGauges(t *testing.T) {
	SetQueueItems("pending", 12)
	SetQueueLatency(90*time.Second, 1500*time.Millisecond)

	if val := testutil.ToFloat64(crawlerQueueItems.WithLabelValues("pending")); val != 12 {
		t.Errorf("expected 12 pending, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerQueueOldestPending); val != 90 {
		t.Errorf("expected 90s oldest pending, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerQueueAvgProcessing); val != 1.5 {
		t.Errorf("expected 1.5s average, got %f", val)
	}
}

func TestActiveWorkers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(crawlerActiveWorkers); val != before+1 {
		t.Errorf("expected active workers %f, got %f", before+1, val)
	}
}
