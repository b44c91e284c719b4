package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

const (
	defaultItemLimit    = 50
	maxItemLimit        = 500
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
	queueTimeout        = 5 * time.Second
)

// QueueHandler exposes queue inspection and cancellation endpoints.
type QueueHandler struct {
	queue    crawler.QueueStore
	attempts store.AttemptRepository
	timeout  time.Duration
	logger   *zap.Logger
}

// NewQueueHandler wires the queue and the optional attempt repository.
func NewQueueHandler(queue crawler.QueueStore, attempts store.AttemptRepository, logger *zap.Logger) *QueueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueHandler{queue: queue, attempts: attempts, timeout: queueTimeout, logger: logger}
}

// ListItems handles GET /v1/queue/items?status=&source=&limit=&offset=. It
// returns {"items": [...]} most recently updated first, 400 for invalid filters, or
// 500 when the store fails.
func (h *QueueHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, parseErr := crawler.ParseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = st
	}
	if raw := r.URL.Query().Get("source"); raw != "" {
		filter.Source = source.Normalize(raw)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	items, err := h.queue.List(ctx, filter)
	if err != nil {
		h.logger.Error("list queue items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}
	if items == nil {
		items = []crawler.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetItem handles GET /v1/queue/items/{item_id}. It returns {"item": {...}},
// 400 for malformed ids, or 404 when the item does not exist.
func (h *QueueHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	item, err := h.queue.Get(ctx, id.String())
	if err != nil {
		h.writeStoreError(w, "get queue item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

// ListAttempts handles GET /v1/queue/items/{item_id}/attempts?limit=. It
// returns {"attempts": [...]} newest first, or 503 when attempt history is
// not recorded.
func (h *QueueHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt history unavailable")
		return
	}
	id, err := parseItemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _, err := parseLimitOffset(r, defaultAttemptLimit, maxAttemptLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	attempts, err := h.attempts.ListAttempts(ctx, id.String(), limit)
	if err != nil {
		h.logger.Error("list attempts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []store.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// CancelItem handles POST /v1/queue/items/{item_id}/cancel. A terminal item
// answers 409.
func (h *QueueHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.queue.Cancel(ctx, id.String()); err != nil {
		h.writeStoreError(w, "cancel queue item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": string(crawler.StatusCancelled)})
}

func (h *QueueHandler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func parseItemID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "item_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("item_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid item_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
