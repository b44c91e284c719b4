package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

const itemColumns = `id, kind, source, series_id, priority, status, retry_count, max_retries,
	error_message, created_at, updated_at, scheduled_for, locked_by, locked_at, processing_ms`

const enqueueSQL = `
WITH existing AS (
	SELECT id FROM crawl_queue
	WHERE source = $2::text AND series_id = $3::text
	  AND status IN ('pending', 'processing', 'retrying')
	LIMIT 1
), inserted AS (
	INSERT INTO crawl_queue (
		id, kind, source, series_id, priority, status, retry_count, max_retries,
		scheduled_for, created_at, updated_at
	)
	SELECT $1::uuid, $4::text, $2::text, $3::text, $5::int, 'pending', 0, $6::int,
		$7::timestamptz, $8::timestamptz, $8::timestamptz
	WHERE NOT EXISTS (SELECT 1 FROM existing)
	RETURNING id
)
SELECT id, true FROM inserted
UNION ALL
SELECT id, false FROM existing`

const activeIDSQL = `
SELECT id FROM crawl_queue
WHERE source = $1 AND series_id = $2 AND status IN ('pending', 'processing', 'retrying')
LIMIT 1`

const claimSQL = `
WITH next AS (
	SELECT id FROM crawl_queue
	WHERE status = ANY($2)
	  AND locked_by IS NULL
	  AND (scheduled_for IS NULL OR scheduled_for <= $3)
	ORDER BY priority DESC, scheduled_for ASC NULLS FIRST, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE crawl_queue q
SET status = 'processing', locked_by = $1, locked_at = $3, error_message = NULL, updated_at = $3
FROM next
WHERE q.id = next.id
RETURNING ` + `q.id, q.kind, q.source, q.series_id, q.priority, q.status, q.retry_count, q.max_retries,
	q.error_message, q.created_at, q.updated_at, q.scheduled_for, q.locked_by, q.locked_at, q.processing_ms`

const completeSQL = `
UPDATE crawl_queue
SET status = 'completed',
	processing_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - locked_at)) * 1000)::bigint,
	error_message = NULL,
	locked_by = NULL,
	locked_at = NULL,
	updated_at = $3
WHERE id = $1 AND locked_by = $2 AND status = 'processing'
RETURNING kind, source, series_id, priority, max_retries`

const insertSQL = `
INSERT INTO crawl_queue (
	id, kind, source, series_id, priority, status, retry_count, max_retries,
	scheduled_for, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $8)`

const lockForFailSQL = `
SELECT status, retry_count, max_retries, locked_by
FROM crawl_queue
WHERE id = $1
FOR UPDATE`

const failSQL = `
UPDATE crawl_queue
SET status = $2,
	retry_count = $3,
	error_message = $4,
	scheduled_for = $5,
	locked_by = NULL,
	locked_at = NULL,
	updated_at = $6
WHERE id = $1`

const reclaimSQL = `
UPDATE crawl_queue
SET status = 'pending', locked_by = NULL, locked_at = NULL, error_message = NULL, updated_at = $1
WHERE status = 'processing' AND locked_at < $2`

const cancelSQL = `
UPDATE crawl_queue
SET status = 'cancelled', locked_by = NULL, locked_at = NULL, error_message = NULL, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')`

const existsSQL = `SELECT EXISTS (SELECT 1 FROM crawl_queue WHERE id = $1)`

const statsSQL = `
SELECT
	count(*),
	count(*) FILTER (WHERE status = 'pending'),
	count(*) FILTER (WHERE status = 'processing'),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*) FILTER (WHERE status = 'retrying'),
	count(*) FILTER (WHERE status = 'cancelled'),
	min(created_at) FILTER (WHERE status = 'pending'),
	COALESCE(avg(processing_ms) FILTER (WHERE status = 'completed' AND updated_at >= $1), 0)::bigint,
	max(updated_at) FILTER (WHERE status = 'completed')
FROM crawl_queue`

const cleanupSQL = `
DELETE FROM crawl_queue
WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`

const defaultStatsWindow = 24 * time.Hour

// QueueStoreConfig wires the collaborators of a QueueStore.
type QueueStoreConfig struct {
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
	Backoff     *crawler.BackoffPolicy
	StatsWindow time.Duration
}

// QueueStore implements crawler.QueueStore on the crawl_queue table.
type QueueStore struct {
	db      DB
	clock   crawler.Clock
	ids     crawler.IDGenerator
	backoff *crawler.BackoffPolicy
	window  time.Duration
}

// NewQueueStore constructs a QueueStore over db.
func NewQueueStore(db DB, cfg QueueStoreConfig) (*QueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
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
		db:      db,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		backoff: cfg.Backoff,
		window:  cfg.StatsWindow,
	}, nil
}

// Enqueue inserts a pending item or returns the id of the active item with the
// same (source, series_id). A concurrent insert that loses the race on the
// active-key constraint resolves to the winner's id.
func (s *QueueStore) Enqueue(ctx context.Context, req crawler.EnqueueRequest) (string, bool, error) {
	req, err := req.Normalize()
	if err != nil {
		return "", false, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("generate item id: %w", err)
	}
	var (
		gotID   string
		created bool
	)
	err = s.db.QueryRow(ctx, enqueueSQL,
		id, req.Source, req.SeriesID, string(req.Kind), req.Priority, *req.MaxRetries, req.NotBefore, s.clock.Now(),
	).Scan(&gotID, &created)
	if err == nil {
		return gotID, created, nil
	}
	if !isConstraintViolation(err) {
		return "", false, fmt.Errorf("enqueue %s/%s: %w", req.Source, req.SeriesID, err)
	}
	if err := s.db.QueryRow(ctx, activeIDSQL, req.Source, req.SeriesID).Scan(&gotID); err != nil {
		return "", false, fmt.Errorf("enqueue %s/%s: resolve active item: %w", req.Source, req.SeriesID, err)
	}
	return gotID, false, nil
}

// Claim locks the next eligible item for workerID with FOR UPDATE SKIP LOCKED,
// so concurrent claimers never receive the same row. It returns nil when
// nothing is eligible.
func (s *QueueStore) Claim(ctx context.Context, workerID string, visible ...crawler.Status) (*crawler.QueueItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if len(visible) == 0 {
		visible = crawler.ClaimableStatuses
	}
	statuses := make([]string, len(visible))
	for i, st := range visible {
		statuses[i] = string(st)
	}
	item, err := scanItem(s.db.QueryRow(ctx, claimSQL, workerID, statuses, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &item, nil
}

// Complete marks an owned item completed and records its processing time.
func (s *QueueStore) Complete(ctx context.Context, id, workerID string) error {
	var (
		kind, source, seriesID string
		priority, maxRetries   int
	)
	err := s.db.QueryRow(ctx, completeSQL, id, workerID, s.clock.Now()).
		Scan(&kind, &source, &seriesID, &priority, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missingOrLost(ctx, s.db, id)
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// CompleteAndRequeue completes an owned item and inserts its successor in one
// transaction. The active-key constraint is deferred, so the order of the two
// statements does not matter.
func (s *QueueStore) CompleteAndRequeue(ctx context.Context, id, workerID string, notBefore time.Time) (string, error) {
	nextID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now()
	err = withTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			kind, source, seriesID string
			priority, maxRetries   int
		)
		err := tx.QueryRow(ctx, completeSQL, id, workerID, now).
			Scan(&kind, &source, &seriesID, &priority, &maxRetries)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingOrLost(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("complete %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, insertSQL,
			nextID, kind, source, seriesID, priority, maxRetries, notBefore, now,
		); err != nil {
			return fmt.Errorf("requeue %s/%s: %w", source, seriesID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return nextID, nil
}

// Fail records a failed attempt on an owned item. The row is locked, evaluated
// against its retry budget, and updated inside one transaction.
func (s *QueueStore) Fail(ctx context.Context, id, workerID string, f crawler.Failure) (crawler.Status, error) {
	var next crawler.Status
	now := s.clock.Now()
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			current              string
			retryCount, maxRetry int
			lockedBy             *string
		)
		err := tx.QueryRow(ctx, lockForFailSQL, id).Scan(&current, &retryCount, &maxRetry, &lockedBy)
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", id, err)
		}
		if crawler.Status(current) != crawler.StatusProcessing || lockedBy == nil || *lockedBy != workerID {
			return crawler.ErrLockLost
		}
		status, scheduled, retries := crawler.ResolveFailure(retryCount, maxRetry, f, now, s.backoff)
		if err := crawler.ValidateTransition(crawler.StatusProcessing, status); err != nil {
			return err
		}
		msg := crawler.TruncateMessage(f.Message)
		if _, err := tx.Exec(ctx, failSQL, id, string(status), retries, msg, scheduled, now); err != nil {
			return fmt.Errorf("fail %s: %w", id, err)
		}
		next = status
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// ReclaimStaleLocks returns processing items locked longer than maxLockAge to pending.
func (s *QueueStore) ReclaimStaleLocks(ctx context.Context, maxLockAge time.Duration) (int64, error) {
	if maxLockAge <= 0 {
		return 0, fmt.Errorf("reclaim stale locks: max lock age must be positive, got %s", maxLockAge)
	}
	now := s.clock.Now()
	tag, err := s.db.Exec(ctx, reclaimSQL, now, now.Add(-maxLockAge))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cancel moves a non-terminal item to cancelled.
func (s *QueueStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, cancelSQL, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	exists, err := s.exists(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !exists {
		return crawler.ErrNotFound
	}
	return fmt.Errorf("%w: item %s is terminal", crawler.ErrInvalidTransition, id)
}

// Get loads one item.
func (s *QueueStore) Get(ctx context.Context, id string) (crawler.QueueItem, error) {
	item, err := scanItem(s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM crawl_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.QueueItem{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.QueueItem{}, fmt.Errorf("get %s: %w", id, err)
	}
	return item, nil
}

// List returns items matching filter, most recently updated first.
func (s *QueueStore) List(ctx context.Context, filter crawler.ListFilter) ([]crawler.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + itemColumns + ` FROM crawl_queue`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY updated_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	items := make([]crawler.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return items, nil
}

// Stats aggregates counts per status and the average processing time of
// items completed within the stats window.
func (s *QueueStore) Stats(ctx context.Context) (crawler.QueueStatistics, error) {
	var (
		stats crawler.QueueStatistics
		avgMs int64
	)
	err := s.db.QueryRow(ctx, statsSQL, s.clock.Now().Add(-s.window)).Scan(
		&stats.TotalItems,
		&stats.PendingItems,
		&stats.ProcessingItems,
		&stats.CompletedItems,
		&stats.FailedItems,
		&stats.RetryingItems,
		&stats.CancelledItems,
		&stats.OldestPending,
		&avgMs,
		&stats.LastCompletedAt,
	)
	if err != nil {
		return crawler.QueueStatistics{}, fmt.Errorf("queue stats: %w", err)
	}
	stats.AverageProcessingTime = time.Duration(avgMs) * time.Millisecond
	return stats, nil
}

// Cleanup deletes terminal items last updated before olderThan.
func (s *QueueStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, cleanupSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *QueueStore) exists(ctx context.Context, q queryRower, id string) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, existsSQL, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return ok, nil
}

func (s *QueueStore) missingOrLost(ctx context.Context, q queryRower, id string) error {
	ok, err := s.exists(ctx, q, id)
	if err != nil {
		return err
	}
	if !ok {
		return crawler.ErrNotFound
	}
	return crawler.ErrLockLost
}

func scanItem(row pgx.Row) (crawler.QueueItem, error) {
	var (
		item         crawler.QueueItem
		kind, status string
	)
	err := row.Scan(
		&item.ID,
		&kind,
		&item.Source,
		&item.SeriesID,
		&item.Priority,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ScheduledFor,
		&item.LockedBy,
		&item.LockedAt,
		&item.ProcessingMillis,
	)
	if err != nil {
		return crawler.QueueItem{}, err
	}
	item.Kind = crawler.Kind(kind)
	item.Status = crawler.Status(status)
	return item, nil
}
