package crawler

import (
	"context"
	"io"
	"time"
)

// QueueStore is the durable work queue. Every mutation of a QueueItem goes
// through one of these operations, each atomic on its own.
type QueueStore interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error)
	Claim(ctx context.Context, workerID string, visible ...Status) (*QueueItem, error)
	Complete(ctx context.Context, id, workerID string) error
	CompleteAndRequeue(ctx context.Context, id, workerID string, notBefore time.Time) (string, error)
	Fail(ctx context.Context, id, workerID string, failure Failure) (Status, error)
	ReclaimStaleLocks(ctx context.Context, maxLockAge time.Duration) (int64, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (QueueItem, error)
	List(ctx context.Context, filter ListFilter) ([]QueueItem, error)
	Stats(ctx context.Context) (QueueStatistics, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// SeriesStore persists discovery and fetch results with idempotent upserts.
type SeriesStore interface {
	UpsertDiscovered(ctx context.Context, series []DiscoveredSeries) (int, error)
	UpsertObservations(ctx context.Context, source, seriesID string, obs []Observation) (UpsertResult, error)
	LatestObservationDate(ctx context.Context, source, seriesID string) (*time.Time, error)
	ListDiscoveredSince(ctx context.Context, since time.Time, limit int) ([]DiscoveredSeries, error)
}

// RateLimiter gates outbound requests per source.
type RateLimiter interface {
	// Acquire takes one token, waiting at most timeout. It returns a
	// *RateLimitedError when the token is not available in time.
	Acquire(ctx context.Context, source string, timeout time.Duration) error
	// Wait blocks until a token is available or ctx ends.
	Wait(ctx context.Context, source string) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes update notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces queue item IDs.
type IDGenerator interface {
	NewID() (string, error)
}
