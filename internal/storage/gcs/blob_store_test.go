package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		body []byte
	)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		fmt.Fprintln(w, `{"name": "archive/matches/m1.json.zst", "bucket": "scores"}`)
	}))

	store, err := New(client, Config{Bucket: "scores", Prefix: "/archive/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/matches/m1.json.zst", "application/zstd", bytes.NewReader([]byte("final-card")))
	require.NoError(t, err)
	require.Equal(t, "gs://scores/archive/matches/m1.json.zst", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, path, "/b/scores/o")
	require.Contains(t, string(body), "final-card")
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	store, err := New(client, Config{Bucket: "scores"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "m1.json.zst", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.NotFoundHandler())
	plain, err := New(client, Config{Bucket: "scores"})
	require.NoError(t, err)
	prefixed, err := New(client, Config{Bucket: "scores", Prefix: "archive/"})
	require.NoError(t, err)

	name, err := plain.objectName(" /matches/m1/scorecard.json.zst")
	require.NoError(t, err)
	require.Equal(t, "matches/m1/scorecard.json.zst", name)

	name, err = prefixed.objectName("matches/m1/scorecard.json.zst")
	require.NoError(t, err)
	require.Equal(t, "archive/matches/m1/scorecard.json.zst", name)

	_, err = prefixed.objectName("///")
	require.Error(t, err)
}
