package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

const upsertSeriesSQL = `
INSERT INTO discovered_series (source, external_id, title, frequency, units, description, updated_at, discovered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source, external_id) DO UPDATE
SET title = EXCLUDED.title,
	frequency = EXCLUDED.frequency,
	units = EXCLUDED.units,
	description = EXCLUDED.description,
	updated_at = EXCLUDED.updated_at`

// xmax = 0 distinguishes a fresh insert from an update on conflict. Rows with
// an unchanged value match neither branch and return nothing.
const upsertObservationSQL = `
INSERT INTO observations (source, series_id, obs_date, value, is_revision, fetched_at)
VALUES ($1, $2, $3, $4, false, $5)
ON CONFLICT (source, series_id, obs_date) DO UPDATE
SET value = EXCLUDED.value, is_revision = true, fetched_at = EXCLUDED.fetched_at
WHERE observations.value IS DISTINCT FROM EXCLUDED.value
RETURNING (xmax = 0)`

const latestObservationSQL = `
SELECT max(obs_date) FROM observations WHERE source = $1 AND series_id = $2`

const listDiscoveredSQL = `
SELECT source, external_id, title, frequency, units, description, updated_at
FROM discovered_series
WHERE updated_at >= $1
ORDER BY source, external_id
LIMIT $2`

// SeriesStore implements crawler.SeriesStore on the series and observations tables.
type SeriesStore struct {
	db    DB
	clock crawler.Clock
}

// NewSeriesStore constructs a SeriesStore over db.
func NewSeriesStore(db DB, clock crawler.Clock) (*SeriesStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &SeriesStore{db: db, clock: clock}, nil
}

// UpsertDiscovered writes series metadata in one transaction.
func (s *SeriesStore) UpsertDiscovered(ctx context.Context, series []crawler.DiscoveredSeries) (int, error) {
	if len(series) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, ds := range series {
			updated := ds.UpdatedAt
			if updated.IsZero() {
				updated = now
			}
			if _, err := tx.Exec(ctx, upsertSeriesSQL,
				ds.Source, ds.ExternalID, ds.Title, ds.Frequency, ds.Units, ds.Description, updated, now,
			); err != nil {
				return fmt.Errorf("upsert series %s/%s: %w", ds.Source, ds.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(series), nil
}

// UpsertObservations writes a batch of observations in one transaction and
// reports how many were new, revised, or unchanged.
func (s *SeriesStore) UpsertObservations(
	ctx context.Context,
	source, seriesID string,
	obs []crawler.Observation,
) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	if len(obs) == 0 {
		return res, nil
	}
	now := s.clock.Now()
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, o := range obs {
			var inserted bool
			err := tx.QueryRow(ctx, upsertObservationSQL,
				source, seriesID, o.Date.UTC().Truncate(24*time.Hour), o.Value, now,
			).Scan(&inserted)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				res.Unchanged++
			case err != nil:
				return fmt.Errorf("upsert observation %s/%s@%s: %w", source, seriesID, o.Date.Format(time.DateOnly), err)
			case inserted:
				res.Inserted++
			default:
				res.Revisions++
			}
		}
		return nil
	})
	if err != nil {
		return crawler.UpsertResult{}, err
	}
	return res, nil
}

// LatestObservationDate returns the newest stored date, or nil for an empty series.
func (s *SeriesStore) LatestObservationDate(ctx context.Context, source, seriesID string) (*time.Time, error) {
	var latest *time.Time
	if err := s.db.QueryRow(ctx, latestObservationSQL, source, seriesID).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest observation %s/%s: %w", source, seriesID, err)
	}
	return latest, nil
}

// ListDiscoveredSince returns series updated at or after since. A non-positive
// limit returns every match.
func (s *SeriesStore) ListDiscoveredSince(ctx context.Context, since time.Time, limit int) ([]crawler.DiscoveredSeries, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.db.Query(ctx, listDiscoveredSQL, since, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.DiscoveredSeries, 0)
	for rows.Next() {
		var ds crawler.DiscoveredSeries
		if err := rows.Scan(&ds.Source, &ds.ExternalID, &ds.Title, &ds.Frequency, &ds.Units, &ds.Description, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return out, nil
}
