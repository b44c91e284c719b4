package uuid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsV7(t *testing.T) {
	t.Parallel()

	raw, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestGeneratorIDsAreOrdered(t *testing.T) {
	t.Parallel()

	g := NewUUIDGenerator()
	first, err := g.NewID()
	require.NoError(t, err)
	second, err := g.NewID()
	require.NoError(t, err)
	require.Less(t, first, second)
}

func TestWorkerIDs(t *testing.T) {
	t.Parallel()

	p := ProcessID()
	require.NotEqual(t, p, ProcessID())
	require.NotContains(t, p, " ")
	w := WorkerID(p, 3)
	require.True(t, strings.HasPrefix(w, p))
	require.True(t, strings.HasSuffix(w, "-w3"))
}
