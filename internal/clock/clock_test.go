package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemNowIsUTC(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.UTC, New().Now().Location())
}

func TestFakeAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), f.Now())

	f.Set(start)
	require.Equal(t, start, f.Now())
}
