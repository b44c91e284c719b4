package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
	"github.com/JakeFAU/realtime-econ-crawler/internal/store"
)

// StoreSink writes finished attempts to a store.AttemptRepository, one
// InsertAttempts call per batch. Start events are not persisted.
type StoreSink struct {
	repo   store.AttemptRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.AttemptRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume persists the finished attempts in batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	records := make([]store.AttemptRecord, 0, len(batch))
	for _, evt := range batch {
		if !evt.Finished() {
			continue
		}
		records = append(records, toRecord(evt))
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.InsertAttempts(ctx, records); err != nil {
		return fmt.Errorf("insert %d attempts: %w", len(records), err)
	}
	s.logger.Debug("attempts persisted", zap.Int("count", len(records)))
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func toRecord(evt progress.Event) store.AttemptRecord {
	rec := store.AttemptRecord{
		ID:         evt.AttemptID,
		ItemID:     evt.ItemID,
		WorkerID:   evt.WorkerID,
		Source:     evt.Source,
		SeriesID:   evt.SeriesID,
		Kind:       string(evt.Kind),
		Attempt:    evt.Attempt,
		StartedAt:  evt.StartedAt().UTC(),
		FinishedAt: evt.TS.UTC(),
		Outcome:    string(evt.Outcome),
		ErrorClass: string(evt.ErrorClass),
		Inserted:   evt.Inserted,
		Revisions:  evt.Revisions,
	}
	if evt.Note != "" {
		note := evt.Note
		rec.ErrorMessage = &note
	}
	return rec
}
