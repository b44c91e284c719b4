// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerJobDurationSeconds     *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRateLimitedTotal       *prometheus.CounterVec
	crawlerUpstreamRequestsTotal  *prometheus.CounterVec
	crawlerObservationsTotal      *prometheus.CounterVec
	crawlerStoreRetriesTotal      *prometheus.CounterVec
	crawlerQueueItems             *prometheus.GaugeVec
	crawlerQueueOldestPending     prometheus.Gauge
	crawlerQueueAvgProcessing     prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of queue items processed, labeled by source, kind, and resulting status.",
			},
			[]string{"source", "kind", "outcome"},
		)

		crawlerJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_job_duration_seconds",
				Help:    "Histogram of queue item processing time.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source", "kind"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a queue item.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		crawlerRateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_rate_limited_total",
				Help: "Total number of acquisitions that timed out and deferred the item.",
			},
			[]string{"source"},
		)

		crawlerUpstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_upstream_requests_total",
				Help: "Total upstream API requests, labeled by source and status code.",
			},
			[]string{"source", "code"},
		)

		crawlerObservationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_observations_total",
				Help: "Observation rows written, labeled by source and change (inserted, revision).",
			},
			[]string{"source", "change"},
		)

		crawlerStoreRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_store_retries_total",
				Help: "Queue and series store calls retried after a transient failure.",
			},
			[]string{"op"},
		)

		crawlerQueueItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_items",
				Help: "Queue items by status.",
			},
			[]string{"status"},
		)

		crawlerQueueOldestPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_oldest_pending_age_seconds",
				Help: "Age of the oldest pending queue item, zero when none is pending.",
			},
		)

		crawlerQueueAvgProcessing = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_avg_processing_seconds",
				Help: "Average processing time of items completed in the stats window.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one processed queue item.
func ObserveJob(source, kind, outcome string, duration time.Duration) {
	Init()
	crawlerJobsTotal.WithLabelValues(source, kind, outcome).Inc()
	crawlerJobDurationSeconds.WithLabelValues(source, kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimited counts an acquisition that gave up waiting.
func ObserveRateLimited(source string) {
	Init()
	crawlerRateLimitedTotal.WithLabelValues(source).Inc()
}

// ObserveUpstreamRequest counts one upstream API response (code 0 for transport errors).
func ObserveUpstreamRequest(source string, code int) {
	Init()
	crawlerUpstreamRequestsTotal.WithLabelValues(source, strconv.Itoa(code)).Inc()
}

// ObserveObservations records rows written by a fetch.
func ObserveObservations(source string, inserted, revisions int) {
	Init()
	if inserted > 0 {
		crawlerObservationsTotal.WithLabelValues(source, "inserted").Add(float64(inserted))
	}
	if revisions > 0 {
		crawlerObservationsTotal.WithLabelValues(source, "revision").Add(float64(revisions))
	}
}

// ObserveStoreRetry counts a retried store call.
func ObserveStoreRetry(op string) {
	Init()
	crawlerStoreRetriesTotal.WithLabelValues(op).Inc()
}

// SetQueueItems sets the gauge for one status.
func SetQueueItems(status string, n int64) {
	Init()
	crawlerQueueItems.WithLabelValues(status).Set(float64(n))
}

// SetQueueLatency sets the oldest-pending age and average processing gauges.
func SetQueueLatency(oldestPendingAge, avgProcessing time.Duration) {
	Init()
	crawlerQueueOldestPending.Set(oldestPendingAge.Seconds())
	crawlerQueueAvgProcessing.Set(avgProcessing.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
