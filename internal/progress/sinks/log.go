package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
)

// LogSink writes one structured log line per attempt event. Start events log
// at debug level, successful finishes at info, failures at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("attempt_id", evt.AttemptID),
			zap.String("item_id", evt.ItemID),
			zap.String("worker_id", evt.WorkerID),
			zap.String("source", evt.Source),
			zap.String("series_id", evt.SeriesID),
			zap.String("kind", string(evt.Kind)),
			zap.Int("attempt", evt.Attempt),
		}
		switch evt.Stage {
		case progress.StageAttemptStart:
			s.logger.Debug("attempt started", fields...)
		case progress.StageAttemptDone:
			fields = append(fields,
				zap.String("outcome", string(evt.Outcome)),
				zap.Duration("dur", evt.Dur),
				zap.Int("inserted", evt.Inserted),
				zap.Int("revisions", evt.Revisions),
			)
			s.logger.Info("attempt finished", fields...)
		default:
			fields = append(fields,
				zap.String("outcome", string(evt.Outcome)),
				zap.String("error_class", string(evt.ErrorClass)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Warn("attempt failed", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
