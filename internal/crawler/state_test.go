package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusRetrying, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, true},
		{StatusPending, StatusCancelled, true},
		{StatusRetrying, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRetrying, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			t.Parallel()
			err := ValidateTransition(tc.from, tc.to)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestTerminalAndActiveAreDisjoint(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses {
		require.NotEqual(t, IsTerminal(s), IsActive(s), "status %s", s)
	}
	require.True(t, IsTerminal(StatusCancelled))
	require.True(t, IsActive(StatusRetrying))
}

func TestResolveFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewBackoffPolicy(2*time.Minute, 60*time.Minute)
	p.jitter = func(time.Duration) time.Duration { return 0 }

	t.Run("retry increments and backs off", func(t *testing.T) {
		t.Parallel()
		status, at, retries := ResolveFailure(0, 3, Failure{Message: "boom"}, now, p)
		require.Equal(t, StatusRetrying, status)
		require.Equal(t, 1, retries)
		require.Equal(t, now.Add(2*time.Minute), *at)
	})

	t.Run("min delay wins over short backoff", func(t *testing.T) {
		t.Parallel()
		_, at, _ := ResolveFailure(0, 3, Failure{MinDelay: 10 * time.Minute}, now, p)
		require.Equal(t, now.Add(10*time.Minute), *at)
	})

	t.Run("exhausted budget fails", func(t *testing.T) {
		t.Parallel()
		status, at, retries := ResolveFailure(3, 3, Failure{}, now, p)
		require.Equal(t, StatusFailed, status)
		require.Nil(t, at)
		require.Equal(t, 3, retries)
	})

	t.Run("permanent fails immediately", func(t *testing.T) {
		t.Parallel()
		status, _, retries := ResolveFailure(0, 3, Failure{Permanent: true}, now, p)
		require.Equal(t, StatusFailed, status)
		require.Equal(t, 0, retries)
	})

	t.Run("defer keeps retry count", func(t *testing.T) {
		t.Parallel()
		status, at, retries := ResolveFailure(3, 3, Failure{Defer: 30 * time.Second}, now, p)
		require.Equal(t, StatusRetrying, status)
		require.Equal(t, 3, retries)
		require.Equal(t, now.Add(30*time.Second), *at)
	})
}
