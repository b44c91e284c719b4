// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxTriggerBody        = 1 << 20
	readyTimeout          = 2 * time.Second
)

// StatusReporter builds the status snapshots.
type StatusReporter interface {
	CrawlerStatus(ctx context.Context) (crawler.CrawlerStatus, error)
	QueueStatistics(ctx context.Context) (crawler.QueueStatistics, error)
}

// Trigger enqueues manual crawls.
type Trigger interface {
	Trigger(ctx context.Context, req scheduler.TriggerRequest) ([]string, error)
}

// SourceLister lists configured sources.
type SourceLister interface {
	Sources() []crawler.Source
}

// Pinger is implemented by backends that can report liveness, such as a pgx
// pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles the collaborators behind the routes. Attempts and Ready are
// optional.
type Deps struct {
	Queue    crawler.QueueStore
	Attempts store.AttemptRepository
	Status   StatusReporter
	Trigger  Trigger
	Sources  SourceLister
	Ready    Pinger
}

// Options configures middleware.
type Options struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the queue, scheduler, and status reporter.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	queue := NewQueueHandler(deps.Queue, deps.Attempts, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/status", s.crawlerStatus)
		r.Get("/sources", s.listSources)
		r.Post("/trigger", s.trigger)
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Get("/items", queue.ListItems)
			r.Route("/items/{item_id}", func(r chi.Router) {
				r.Get("/", queue.GetItem)
				r.Get("/attempts", queue.ListAttempts)
				r.Post("/cancel", queue.CancelItem)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) crawlerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Status.CrawlerStatus(r.Context())
	if err != nil {
		s.logger.Error("crawler status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawler status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Status.QueueStatistics(r.Context())
	if err != nil {
		s.logger.Error("queue statistics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queue statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.deps.Sources.Sources()
	if sources == nil {
		sources = []crawler.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req scheduler.TriggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	ids, err := s.deps.Trigger.Trigger(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrUnknownSource):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, crawler.ErrConfiguration):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("trigger failed", zap.String("source", req.Source), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to enqueue crawl")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"item_ids": ids})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
