package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

type seriesKey struct {
	source   string
	seriesID string
}

// SeriesStore is an in-memory crawler.SeriesStore.
type SeriesStore struct {
	mu         sync.RWMutex
	discovered map[seriesKey]crawler.DiscoveredSeries
	obs        map[seriesKey]map[time.Time]crawler.Observation
}

// NewSeriesStore creates an empty SeriesStore.
func NewSeriesStore() *SeriesStore {
	return &SeriesStore{
		discovered: make(map[seriesKey]crawler.DiscoveredSeries),
		obs:        make(map[seriesKey]map[time.Time]crawler.Observation),
	}
}

// UpsertDiscovered inserts or replaces series metadata keyed by source and external id.
func (s *SeriesStore) UpsertDiscovered(_ context.Context, series []crawler.DiscoveredSeries) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range series {
		s.discovered[seriesKey{ds.Source, ds.ExternalID}] = ds
	}
	return len(series), nil
}

// UpsertObservations writes observations by date. A changed value on an
// existing date is stored as a revision.
func (s *SeriesStore) UpsertObservations(
	_ context.Context,
	source, seriesID string,
	obs []crawler.Observation,
) (crawler.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seriesKey{source, seriesID}
	rows, ok := s.obs[key]
	if !ok {
		rows = make(map[time.Time]crawler.Observation)
		s.obs[key] = rows
	}
	var res crawler.UpsertResult
	for _, o := range obs {
		date := o.Date.UTC().Truncate(24 * time.Hour)
		prev, exists := rows[date]
		switch {
		case !exists:
			o.Date = date
			o.IsRevision = false
			rows[date] = o
			res.Inserted++
		case sameValue(prev.Value, o.Value):
			res.Unchanged++
		default:
			o.Date = date
			o.IsRevision = true
			rows[date] = o
			res.Revisions++
		}
	}
	return res, nil
}

func sameValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// LatestObservationDate returns the newest stored date, or nil when the series is empty.
func (s *SeriesStore) LatestObservationDate(_ context.Context, source, seriesID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for date := range s.obs[seriesKey{source, seriesID}] {
		if latest == nil || date.After(*latest) {
			d := date
			latest = &d
		}
	}
	return latest, nil
}

// ListDiscoveredSince returns series updated at or after since, ordered by source then id.
func (s *SeriesStore) ListDiscoveredSince(_ context.Context, since time.Time, limit int) ([]crawler.DiscoveredSeries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.DiscoveredSeries, 0, len(s.discovered))
	for _, ds := range s.discovered {
		if !ds.UpdatedAt.Before(since) {
			out = append(out, ds)
		}
	}
	slices.SortFunc(out, func(a, b crawler.DiscoveredSeries) int {
		if c := strings.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return strings.Compare(a.ExternalID, b.ExternalID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Observations returns the stored observations for a series in date order.
func (s *SeriesStore) Observations(source, seriesID string) []crawler.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.obs[seriesKey{source, seriesID}]
	out := make([]crawler.Observation, 0, len(rows))
	for _, o := range rows {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b crawler.Observation) int { return a.Date.Compare(b.Date) })
	return out
}
