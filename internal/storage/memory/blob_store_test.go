package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("INSERT INTO series VALUES (1);")
	uri, err := store.PutObject(context.Background(), "exports/catalog.sql", "application/sql", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://exports/catalog.sql", uri)

	payload[0] = 'X'
	stored, contentType, ok := store.Object("exports/catalog.sql")
	require.True(t, ok)
	require.Equal(t, "application/sql", contentType)
	require.Equal(t, "INSERT INTO series VALUES (1);", string(stored))

	stored[0] = 'Y'
	again, _, _ := store.Object("exports/catalog.sql")
	require.Equal(t, byte('I'), again[0])
}

func TestBlobStoreObjectMissing(t *testing.T) {
	t.Parallel()

	_, _, ok := NewBlobStore().Object("nope")
	require.False(t, ok)
}
