package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

const defaultAttemptLimit = 50

// AttemptStore keeps attempt history in memory for the memory queue backend.
type AttemptStore struct {
	mu     sync.RWMutex
	byItem map[string][]store.AttemptRecord
	seen   map[string]struct{}
}

var _ store.AttemptRepository = (*AttemptStore)(nil)

// NewAttemptStore returns an empty AttemptStore.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		byItem: make(map[string][]store.AttemptRecord),
		seen:   make(map[string]struct{}),
	}
}

// InsertAttempts appends records, ignoring ids already stored.
func (s *AttemptStore) InsertAttempts(_ context.Context, records []store.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, dup := s.seen[r.ID]; dup {
			continue
		}
		s.seen[r.ID] = struct{}{}
		s.byItem[r.ItemID] = append(s.byItem[r.ItemID], r)
	}
	return nil
}

// ListAttempts returns the newest attempts of itemID first.
func (s *AttemptStore) ListAttempts(_ context.Context, itemID string, limit int) ([]store.AttemptRecord, error) {
	if limit <= 0 {
		limit = defaultAttemptLimit
	}
	s.mu.RLock()
	out := slices.Clone(s.byItem[itemID])
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b store.AttemptRecord) int { return b.StartedAt.Compare(a.StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
