package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	waits atomic.Int32
}

func (c *countingLimiter) Acquire(context.Context, string, time.Duration) error { return nil }

func (c *countingLimiter) Wait(context.Context, string) error {
	c.waits.Add(1)
	return nil
}

func TestGatePrepaidTokenIsUsedOnce(t *testing.T) {
	t.Parallel()

	lim := &countingLimiter{}
	g := NewGate(lim, "fred")
	g.Prepay()
	ctx := WithGate(context.Background(), g)

	require.NoError(t, WaitFromContext(ctx))
	require.Zero(t, lim.waits.Load())
	require.NoError(t, WaitFromContext(ctx))
	require.NoError(t, WaitFromContext(ctx))
	require.Equal(t, int32(2), lim.waits.Load())
}

func TestWaitFromContextWithoutGate(t *testing.T) {
	t.Parallel()

	require.Nil(t, GateFromContext(context.Background()))
	require.NoError(t, WaitFromContext(context.Background()))
}
