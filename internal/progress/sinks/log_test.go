package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{AttemptID: "a", ItemID: "i", Stage: progress.StageAttemptStart, TS: now},
		{AttemptID: "a", ItemID: "i", Stage: progress.StageAttemptDone, Outcome: progress.OutcomeCompleted, TS: now},
		{
			AttemptID: "b", ItemID: "j", Stage: progress.StageAttemptError, Outcome: progress.OutcomeFailed,
			ErrorClass: crawler.ClassPermanent, Note: "permanent (status 404): not found", TS: now,
		},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "permanent", entries[2].ContextMap()["error_class"])
}
