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
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "matches/m1.json.zst", "application/zstd", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://matches/m1.json.zst", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Object("matches/m1.json.zst")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "application/zstd", contentType)
	require.Equal(t, 1, store.Len())

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
