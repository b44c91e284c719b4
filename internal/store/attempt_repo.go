// Package store declares the repository for per-attempt crawl history.
package store

import (
	"context"
	"time"
)

// AttemptRecord models one row of crawl_attempts: a single execution of a
// queue item by a worker.
type AttemptRecord struct {
	// ID is the primary key of crawl_attempts.
	ID string `json:"id"`
	// ItemID references crawl_queue.id.
	ItemID   string `json:"itemId"`
	WorkerID string `json:"workerId"`
	Source   string `json:"source"`
	SeriesID string `json:"seriesId"`
	Kind     string `json:"kind"`
	// Attempt is retry_count + 1 at the time the item was claimed.
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// Outcome is the queue status the attempt left the item in.
	Outcome      string  `json:"outcome"`
	ErrorClass   string  `json:"errorClass,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	// Inserted and Revisions count observation rows written by fetch attempts.
	Inserted  int `json:"inserted"`
	Revisions int `json:"revisions"`
}

// AttemptRepository persists attempt history.
type AttemptRepository interface {
	// InsertAttempts writes a batch of attempt rows; duplicates by ID are ignored.
	InsertAttempts(ctx context.Context, records []AttemptRecord) error
	// ListAttempts returns the attempts of one queue item, newest first.
	ListAttempts(ctx context.Context, itemID string, limit int) ([]AttemptRecord, error)
}
