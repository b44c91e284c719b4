package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

const insertAttemptSQL = `
INSERT INTO crawl_attempts (
	id, item_id, worker_id, source, series_id, kind, attempt,
	started_at, finished_at, outcome, error_class, error_message, inserted, revisions
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`

const listAttemptsSQL = `
SELECT id, item_id, worker_id, source, series_id, kind, attempt,
	started_at, finished_at, outcome, error_class, error_message, inserted, revisions
FROM crawl_attempts
WHERE item_id = $1
ORDER BY started_at DESC
LIMIT $2`

const defaultAttemptLimit = 50

// AttemptStore implements store.AttemptRepository on crawl_attempts.
type AttemptStore struct {
	db DB
}

// NewAttemptStore constructs an AttemptStore over db.
func NewAttemptStore(db DB) (*AttemptStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AttemptStore{db: db}, nil
}

// InsertAttempts writes records in one transaction.
func (s *AttemptStore) InsertAttempts(ctx context.Context, records []store.AttemptRecord) error {
	if len(records) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, r := range records {
			if _, err := tx.Exec(ctx, insertAttemptSQL,
				r.ID, r.ItemID, r.WorkerID, r.Source, r.SeriesID, r.Kind, r.Attempt,
				r.StartedAt, r.FinishedAt, r.Outcome, r.ErrorClass, r.ErrorMessage, r.Inserted, r.Revisions,
			); err != nil {
				return fmt.Errorf("insert attempt %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// ListAttempts returns the newest attempts of itemID.
func (s *AttemptStore) ListAttempts(ctx context.Context, itemID string, limit int) ([]store.AttemptRecord, error) {
	if limit <= 0 {
		limit = defaultAttemptLimit
	}
	rows, err := s.db.Query(ctx, listAttemptsSQL, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	out := make([]store.AttemptRecord, 0)
	for rows.Next() {
		var r store.AttemptRecord
		if err := rows.Scan(
			&r.ID, &r.ItemID, &r.WorkerID, &r.Source, &r.SeriesID, &r.Kind, &r.Attempt,
			&r.StartedAt, &r.FinishedAt, &r.Outcome, &r.ErrorClass, &r.ErrorMessage, &r.Inserted, &r.Revisions,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}
