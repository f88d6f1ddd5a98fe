package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, cfg Config) *Page {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	page := newPage(ctx, cancel, cfg.withDefaults())
	t.Cleanup(func() { _ = page.Close() })
	return page
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{SettleDelay: -time.Second}.withDefaults()
	require.Equal(t, 45*time.Second, cfg.NavigationTimeout)
	require.Zero(t, cfg.SettleDelay)
	require.Equal(t, 64, cfg.ResponseBuffer)
	require.Equal(t, []string{"application/json"}, cfg.CaptureMIMETypes)
}

func TestPageCapturesMatchingResponses(t *testing.T) {
	t.Parallel()

	page := newTestPage(t, Config{})
	page.fetch = func(id network.RequestID) ([]byte, error) {
		return []byte(`{"id":"` + string(id) + `"}`), nil
	}

	page.onEvent(&network.EventResponseReceived{
		RequestID: "r1",
		Type:      network.ResourceTypeXHR,
		Response:  &network.Response{URL: "https://example.test/live.json", Status: 200, MimeType: "application/json"},
	})
	page.onEvent(&network.EventResponseReceived{
		RequestID: "r2",
		Type:      network.ResourceTypeImage,
		Response:  &network.Response{URL: "https://example.test/logo.png", Status: 200, MimeType: "image/png"},
	})
	page.onEvent(&network.EventLoadingFinished{RequestID: "r2"})
	page.onEvent(&network.EventLoadingFinished{RequestID: "r1"})

	select {
	case resp := <-page.Responses():
		require.Equal(t, "https://example.test/live.json", resp.URL)
		require.Equal(t, 200, resp.Status)
		require.JSONEq(t, `{"id":"r1"}`, string(resp.Body))
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}
	require.Never(t, func() bool { return len(page.Responses()) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestPageSkipsFailedLoads(t *testing.T) {
	t.Parallel()

	page := newTestPage(t, Config{})
	page.fetch = func(network.RequestID) ([]byte, error) { return nil, errors.New("gone") }

	page.onEvent(&network.EventResponseReceived{
		RequestID: "r1",
		Type:      network.ResourceTypeFetch,
		Response:  &network.Response{MimeType: "application/json"},
	})
	page.onEvent(&network.EventLoadingFailed{RequestID: "r1"})
	page.onEvent(&network.EventLoadingFinished{RequestID: "r1"})

	page.mu.Lock()
	defer page.mu.Unlock()
	require.Empty(t, page.pending)
}

func TestPageDropsOldestWhenBufferFull(t *testing.T) {
	t.Parallel()

	page := newTestPage(t, Config{ResponseBuffer: 1})
	page.fetch = func(network.RequestID) ([]byte, error) { return []byte("{}"), nil }
	page.deliver("a", responseMeta{url: "first"})
	page.deliver("b", responseMeta{url: "second"})

	resp := <-page.Responses()
	require.Equal(t, "second", resp.URL)
}

func TestPageCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	page := newTestPage(t, Config{})
	page.fetch = func(network.RequestID) ([]byte, error) { return []byte("{}"), nil }
	require.NoError(t, page.Close())
	require.NoError(t, page.Close())
	require.Error(t, page.ctx.Err())

	// Deliveries after close are discarded instead of panicking.
	page.deliver("late", responseMeta{url: "late"})
	_, open := <-page.Responses()
	require.False(t, open)
}

func TestBrowserResetBeforeLaunch(t *testing.T) {
	t.Parallel()

	b := New(Config{}, nil)
	require.NoError(t, b.Reset(context.Background()))
	require.Zero(t, b.PID())
	require.NoError(t, b.Close())
}
