package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
)

// PrometheusSink exports attempt counters. It owns its collectors and
// registers them on the registerer passed to NewPrometheusSink.
type PrometheusSink struct {
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	revisions *prometheus.CounterVec

	tracker *attemptTracker
}

// NewPrometheusSink registers the attempt collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_attempts_started_total",
			Help: "Queue item attempts started, by source and kind.",
		}, []string{"source", "kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_attempts_finished_total",
			Help: "Queue item attempts finished, by source and outcome.",
		}, []string{"source", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_attempts_in_flight",
			Help: "Attempts started but not yet finished.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_attempt_duration_seconds",
			Help:    "Wall time of finished attempts, by source and kind.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 300},
		}, []string{"source", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_attempt_errors_total",
			Help: "Failed attempts, by source and error class.",
		}, []string{"source", "error_class"}),
		revisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_attempt_revisions_total",
			Help: "Observation revisions detected by fetch attempts, by source.",
		}, []string{"source"}),
		tracker: newAttemptTracker(),
	}
	for _, c := range []prometheus.Collector{s.started, s.finished, s.inFlight, s.duration, s.errors, s.revisions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register attempt collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		source := labelOr(evt.Source, "unknown")
		kind := labelOr(string(evt.Kind), "unknown")
		if evt.Stage == progress.StageAttemptStart {
			s.started.WithLabelValues(source, kind).Inc()
			if s.tracker.start(evt.AttemptID) {
				s.inFlight.Inc()
			}
			continue
		}
		s.finished.WithLabelValues(source, string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.duration.WithLabelValues(source, kind).Observe(evt.Dur.Seconds())
		}
		if evt.Stage == progress.StageAttemptError {
			s.errors.WithLabelValues(source, labelOr(string(evt.ErrorClass), "unknown")).Inc()
		}
		if evt.Revisions > 0 {
			s.revisions.WithLabelValues(source).Add(float64(evt.Revisions))
		}
		if s.tracker.finish(evt.AttemptID) {
			s.inFlight.Dec()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type attemptTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{running: make(map[string]struct{})}
}

func (t *attemptTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *attemptTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
