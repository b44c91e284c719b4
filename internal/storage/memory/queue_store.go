package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

const defaultStatsWindow = 24 * time.Hour

// QueueStoreConfig wires the collaborators of a QueueStore.
type QueueStoreConfig struct {
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
	Backoff     *crawler.BackoffPolicy
	StatsWindow time.Duration
}

// QueueStore is an in-memory crawler.QueueStore with the same semantics as the
// Postgres store. A single mutex makes every operation atomic.
type QueueStore struct {
	mu      sync.Mutex
	items   map[string]*crawler.QueueItem
	seq     map[string]uint64
	next    uint64
	clock   crawler.Clock
	ids     crawler.IDGenerator
	backoff *crawler.BackoffPolicy
	window  time.Duration
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore(cfg QueueStoreConfig) (*QueueStore, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Backoff == nil {
		cfg.Backoff = crawler.NewBackoffPolicy(0, 0)
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = defaultStatsWindow
	}
	return &QueueStore{
		items:   make(map[string]*crawler.QueueItem),
		seq:     make(map[string]uint64),
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		backoff: cfg.Backoff,
		window:  cfg.StatsWindow,
	}, nil
}

// Enqueue inserts a pending item or returns the active item for the same key.
func (s *QueueStore) Enqueue(_ context.Context, req crawler.EnqueueRequest) (string, bool, error) {
	req, err := req.Normalize()
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(req.Source, req.SeriesID); existing != nil {
		return existing.ID, false, nil
	}
	item, err := s.insertLocked(req)
	if err != nil {
		return "", false, err
	}
	return item.ID, true, nil
}

func (s *QueueStore) activeLocked(source, seriesID string) *crawler.QueueItem {
	for _, item := range s.items {
		if item.Source == source && item.SeriesID == seriesID && crawler.IsActive(item.Status) {
			return item
		}
	}
	return nil
}

func (s *QueueStore) insertLocked(req crawler.EnqueueRequest) (*crawler.QueueItem, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now()
	item := &crawler.QueueItem{
		ID:           id,
		Kind:         req.Kind,
		Source:       req.Source,
		SeriesID:     req.SeriesID,
		Priority:     req.Priority,
		Status:       crawler.StatusPending,
		MaxRetries:   *req.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: cloneTime(req.NotBefore),
	}
	s.items[id] = item
	s.next++
	s.seq[id] = s.next
	return item, nil
}

// Claim locks and returns the next eligible item, or nil when none is eligible.
func (s *QueueStore) Claim(_ context.Context, workerID string, visible ...crawler.Status) (*crawler.QueueItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if len(visible) == 0 {
		visible = crawler.ClaimableStatuses
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var best *crawler.QueueItem
	for _, item := range s.items {
		if !item.Eligible(now, visible) {
			continue
		}
		if best == nil || s.claimsBefore(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}
	if err := crawler.ValidateTransition(best.Status, crawler.StatusProcessing); err != nil {
		return nil, err
	}
	best.Status = crawler.StatusProcessing
	best.LockedBy = &workerID
	best.LockedAt = &now
	best.ErrorMessage = nil
	best.UpdatedAt = now
	out := cloneItem(best)
	return &out, nil
}

// claimsBefore orders by priority DESC, scheduled_for ASC NULLS FIRST,
// created_at ASC, then insertion order.
func (s *QueueStore) claimsBefore(a, b *crawler.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	switch {
	case a.ScheduledFor == nil && b.ScheduledFor != nil:
		return true
	case a.ScheduledFor != nil && b.ScheduledFor == nil:
		return false
	case a.ScheduledFor != nil && !a.ScheduledFor.Equal(*b.ScheduledFor):
		return a.ScheduledFor.Before(*b.ScheduledFor)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

func (s *QueueStore) ownedLocked(id, workerID string) (*crawler.QueueItem, error) {
	item, ok := s.items[id]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	if item.Status != crawler.StatusProcessing || item.LockedBy == nil || *item.LockedBy != workerID {
		return nil, crawler.ErrLockLost
	}
	return item, nil
}

// Complete marks an owned item completed and releases the lock.
func (s *QueueStore) Complete(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.ownedLocked(id, workerID)
	if err != nil {
		return err
	}
	s.completeLocked(item)
	return nil
}

func (s *QueueStore) completeLocked(item *crawler.QueueItem) {
	now := s.clock.Now()
	ms := now.Sub(*item.LockedAt).Milliseconds()
	item.Status = crawler.StatusCompleted
	item.ProcessingMillis = &ms
	item.ErrorMessage = nil
	item.LockedBy = nil
	item.LockedAt = nil
	item.UpdatedAt = now
}

// CompleteAndRequeue completes an owned item and enqueues its replacement for
// the same key in one step.
func (s *QueueStore) CompleteAndRequeue(_ context.Context, id, workerID string, notBefore time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.ownedLocked(id, workerID)
	if err != nil {
		return "", err
	}
	maxRetries := item.MaxRetries
	req := crawler.EnqueueRequest{
		Kind:       item.Kind,
		Source:     item.Source,
		SeriesID:   item.SeriesID,
		Priority:   item.Priority,
		MaxRetries: &maxRetries,
		NotBefore:  &notBefore,
	}
	s.completeLocked(item)
	next, err := s.insertLocked(req)
	if err != nil {
		return "", err
	}
	return next.ID, nil
}

// Fail records a failed attempt on an owned item; see crawler.Failure.
func (s *QueueStore) Fail(_ context.Context, id, workerID string, f crawler.Failure) (crawler.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.ownedLocked(id, workerID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	msg := crawler.TruncateMessage(f.Message)
	next, scheduled, retries := crawler.ResolveFailure(item.RetryCount, item.MaxRetries, f, now, s.backoff)
	if err := crawler.ValidateTransition(item.Status, next); err != nil {
		return "", err
	}
	item.Status = next
	item.RetryCount = retries
	item.ErrorMessage = &msg
	item.ScheduledFor = scheduled
	item.LockedBy = nil
	item.LockedAt = nil
	item.UpdatedAt = now
	return next, nil
}

// ReclaimStaleLocks returns abandoned processing items to pending.
func (s *QueueStore) ReclaimStaleLocks(_ context.Context, maxLockAge time.Duration) (int64, error) {
	if maxLockAge <= 0 {
		return 0, fmt.Errorf("reclaim stale locks: max lock age must be positive, got %s", maxLockAge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-maxLockAge)
	var n int64
	for _, item := range s.items {
		if item.Status != crawler.StatusProcessing || item.LockedAt == nil || !item.LockedAt.Before(cutoff) {
			continue
		}
		item.Status = crawler.StatusPending
		item.LockedBy = nil
		item.LockedAt = nil
		item.ErrorMessage = nil
		item.UpdatedAt = now
		n++
	}
	return n, nil
}

// Cancel moves a non-terminal item to cancelled.
func (s *QueueStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return crawler.ErrNotFound
	}
	if err := crawler.ValidateTransition(item.Status, crawler.StatusCancelled); err != nil {
		return err
	}
	item.Status = crawler.StatusCancelled
	item.LockedBy = nil
	item.LockedAt = nil
	item.ErrorMessage = nil
	item.UpdatedAt = s.clock.Now()
	return nil
}

// Get returns a copy of the item.
func (s *QueueStore) Get(_ context.Context, id string) (crawler.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return crawler.QueueItem{}, crawler.ErrNotFound
	}
	return cloneItem(item), nil
}

// List returns items ordered by most recently updated first.
func (s *QueueStore) List(_ context.Context, filter crawler.ListFilter) ([]crawler.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.QueueItem, 0)
	for _, item := range s.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Source != "" && item.Source != filter.Source {
			continue
		}
		out = append(out, cloneItem(item))
	}
	slices.SortFunc(out, func(a, b crawler.QueueItem) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return int(s.seq[b.ID]) - int(s.seq[a.ID])
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []crawler.QueueItem{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats aggregates per-status counts and processing time.
func (s *QueueStore) Stats(_ context.Context) (crawler.QueueStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	windowStart := now.Add(-s.window)
	var (
		stats    crawler.QueueStatistics
		totalMs  int64
		recentOK int64
	)
	for _, item := range s.items {
		stats.TotalItems++
		switch item.Status {
		case crawler.StatusPending:
			stats.PendingItems++
			if stats.OldestPending == nil || item.CreatedAt.Before(*stats.OldestPending) {
				stats.OldestPending = cloneTime(&item.CreatedAt)
			}
		case crawler.StatusProcessing:
			stats.ProcessingItems++
		case crawler.StatusRetrying:
			stats.RetryingItems++
		case crawler.StatusCompleted:
			stats.CompletedItems++
			if stats.LastCompletedAt == nil || item.UpdatedAt.After(*stats.LastCompletedAt) {
				stats.LastCompletedAt = cloneTime(&item.UpdatedAt)
			}
			if item.ProcessingMillis != nil && !item.UpdatedAt.Before(windowStart) {
				totalMs += *item.ProcessingMillis
				recentOK++
			}
		case crawler.StatusFailed:
			stats.FailedItems++
		case crawler.StatusCancelled:
			stats.CancelledItems++
		}
	}
	if recentOK > 0 {
		stats.AverageProcessingTime = time.Duration(totalMs/recentOK) * time.Millisecond
	}
	return stats, nil
}

// Cleanup deletes terminal items last updated before olderThan.
func (s *QueueStore) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.items {
		if crawler.IsTerminal(item.Status) && item.UpdatedAt.Before(olderThan) {
			delete(s.items, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

func cloneItem(item *crawler.QueueItem) crawler.QueueItem {
	out := *item
	out.ErrorMessage = cloneString(item.ErrorMessage)
	out.LockedBy = cloneString(item.LockedBy)
	out.LockedAt = cloneTime(item.LockedAt)
	out.ScheduledFor = cloneTime(item.ScheduledFor)
	if item.ProcessingMillis != nil {
		ms := *item.ProcessingMillis
		out.ProcessingMillis = &ms
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
