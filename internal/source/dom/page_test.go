package dom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
)

type fakePage struct {
	html       string
	contentErr error
	memory     uint64
	responses  chan fleet.Response
}

func newFakePage(html string, responses ...fleet.Response) *fakePage {
	ch := make(chan fleet.Response, len(responses)+1)
	for _, r := range responses {
		ch <- r
	}
	return &fakePage{html: html, responses: ch}
}

func (p *fakePage) Navigate(context.Context, string) error { return nil }
func (p *fakePage) Content(context.Context) (string, error) {
	return p.html, p.contentErr
}
func (p *fakePage) Responses() <-chan fleet.Response { return p.responses }
func (p *fakePage) Close() error                     { return nil }
func (p *fakePage) MemoryBytes(context.Context) (uint64, error) {
	return p.memory, nil
}

type fakePages struct {
	mu       sync.Mutex
	page     fleet.Page
	leaseErr error
	released []error
	removed  []string
}

func (f *fakePages) GetOrCreate(_ context.Context, matchID, _ string) (*browser.Lease, error) {
	if f.leaseErr != nil {
		return nil, f.leaseErr
	}
	return &browser.Lease{MatchID: matchID, Page: f.page}, nil
}

func (f *fakePages) Release(_ *browser.Lease, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, err)
}

func (f *fakePages) Remove(matchID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, matchID)
}

func TestPageSource_ResponsesThenDOM(t *testing.T) {
	t.Parallel()

	page := newFakePage(`<p class="score">88</p>`,
		fleet.Response{URL: "https://live.example/api/balls?m=1", Status: 200, Body: []byte(`{"data": [{"ball": "9.3"}, {"ball": "9.4"}]}`)},
		fleet.Response{URL: "https://live.example/ads", Status: 200, Body: []byte(`{"ad": true}`)},
		fleet.Response{URL: "https://live.example/api/balls?m=1", Status: 503, Body: []byte(`{}`)},
		fleet.Response{URL: "https://live.example/api/balls?m=1", Status: 200, Body: []byte(`<html>`)},
	)
	page.memory = 64 << 20
	pages := &fakePages{page: page}
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)

	src := NewPageSource(pages, e, PageConfig{ResponseURLs: []string{"/api/balls"}, ResponsePath: "data"}, nil)
	poll, err := src.Poll(context.Background(), fleet.Task{MatchID: "m1", URL: "https://live.example/m1"})
	require.NoError(t, err)

	require.Len(t, poll.Records, 3)
	require.Equal(t, "9.3", poll.Records[0]["ball"])
	require.Equal(t, "9.4", poll.Records[1]["ball"])
	require.Equal(t, "88", poll.Records[2]["runs"])
	require.EqualValues(t, 64<<20, poll.MemoryBytes)
	require.Equal(t, []error{nil}, pages.released)

	// Drained responses are not seen twice.
	poll, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 1)
}

func TestPageSource_ErrorsCountAgainstPage(t *testing.T) {
	t.Parallel()

	page := newFakePage("")
	page.contentErr = errors.New("target closed")
	pages := &fakePages{page: page}
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)

	src := NewPageSource(pages, e, PageConfig{}, nil)
	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.ErrorContains(t, err, "target closed")
	require.Len(t, pages.released, 1)
	require.Error(t, pages.released[0])

	pages.leaseErr = browser.ErrPageBusy
	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.ErrorIs(t, err, browser.ErrPageBusy)
	require.Len(t, pages.released, 1)

	src.Forget("m1")
	require.Equal(t, []string{"m1"}, pages.removed)
}

func TestPageSource_FailedReadKeepsCapturedRecords(t *testing.T) {
	t.Parallel()

	page := newFakePage(`<p class="score">91</p>`,
		fleet.Response{URL: "https://live.example/api/balls?m=1", Status: 200, Body: []byte(`{"data": [{"ball": "10.1"}]}`)},
	)
	page.contentErr = errors.New("target closed")
	pages := &fakePages{page: page}
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)
	src := NewPageSource(pages, e, PageConfig{ResponsePath: "data"}, nil)

	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.ErrorContains(t, err, "target closed")
	require.Empty(t, page.responses)

	page.contentErr = nil
	poll, err := src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 2)
	require.Equal(t, "10.1", poll.Records[0]["ball"])
	require.Equal(t, "91", poll.Records[1]["runs"])

	poll, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 1)
}

func TestPageSource_ForgetDropsHeldRecords(t *testing.T) {
	t.Parallel()

	page := newFakePage(`<p class="score">91</p>`,
		fleet.Response{URL: "https://live.example/api/balls", Status: 200, Body: []byte(`[{"ball": "10.1"}]`)},
	)
	page.contentErr = errors.New("target closed")
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)
	src := NewPageSource(&fakePages{page: page}, e, PageConfig{}, nil)

	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.Error(t, err)
	src.Forget("m1")

	page.contentErr = nil
	poll, err := src.Poll(context.Background(), fleet.Task{MatchID: "m1"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 1)
}

func TestHeldRecordsDropsOldestOverLimit(t *testing.T) {
	t.Parallel()

	h := newHeldRecords(2)
	require.Zero(t, h.add("m1", []pipeline.Record{{"ball": "1.1"}}))
	require.Equal(t, 1, h.add("m1", []pipeline.Record{{"ball": "1.2"}, {"ball": "1.3"}}))
	recs := h.take("m1")
	require.Len(t, recs, 2)
	require.Equal(t, "1.2", recs[0]["ball"])
	require.Empty(t, h.take("m1"))
}

type navPage struct {
	*fakePage
	mu      sync.Mutex
	visited []string
	navErr  error
}

func (p *navPage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.visited = append(p.visited, url)
	p.responses <- fleet.Response{URL: url + "/api/balls", Status: 200, Body: []byte(`{"ball": "1.1"}`)}
	return nil
}

type navFactory struct {
	mu      sync.Mutex
	pages   []*navPage
	navErr  error
	created int
}

func (f *navFactory) Create(context.Context) (fleet.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	p := &navPage{fakePage: newFakePage(`<p class="score">12</p>`), navErr: f.navErr}
	p.responses = make(chan fleet.Response, 8)
	f.pages = append(f.pages, p)
	return p, nil
}

func (f *navFactory) Destroy(fleet.Page) error { return nil }

func TestContextSource_ReusesPooledPage(t *testing.T) {
	t.Parallel()

	factory := &navFactory{}
	contexts, err := pool.New[fleet.Page]("test_contexts", pool.Config{MaxSize: 1, MaxErrors: 1}, factory, pool.Options{})
	require.NoError(t, err)
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)
	src := NewContextSource(contexts, e, PageConfig{ResponseURLs: []string{"/api/balls"}}, time.Second, nil)

	poll, err := src.Poll(context.Background(), fleet.Task{MatchID: "m1", URL: "https://live.example/m1"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 2)
	require.Equal(t, "1.1", poll.Records[0]["ball"])
	require.Equal(t, "12", poll.Records[1]["runs"])

	// A stale response left on the page is dropped before the next match loads.
	factory.pages[0].responses <- fleet.Response{URL: "https://live.example/m1/api/balls", Status: 200, Body: []byte(`{"ball": "9.9"}`)}
	poll, err = src.Poll(context.Background(), fleet.Task{MatchID: "m2", URL: "https://live.example/m2"})
	require.NoError(t, err)
	require.Len(t, poll.Records, 2)
	require.Equal(t, "1.1", poll.Records[0]["ball"])

	require.Equal(t, 1, factory.created)
	require.Equal(t, []string{"https://live.example/m1", "https://live.example/m2"}, factory.pages[0].visited)
	require.Equal(t, 0, contexts.Stats().InUse)
	src.Forget("m1")
}

func TestContextSource_NavigationErrorRetiresPage(t *testing.T) {
	t.Parallel()

	factory := &navFactory{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	contexts, err := pool.New[fleet.Page]("test_contexts", pool.Config{MaxSize: 1, MaxErrors: 1}, factory, pool.Options{})
	require.NoError(t, err)
	e, err := NewExtractor(Selectors{Fields: map[string]string{"runs": ".score"}})
	require.NoError(t, err)
	src := NewContextSource(contexts, e, PageConfig{}, time.Second, nil)

	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1", URL: "https://nowhere.example"})
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	_, err = src.Poll(context.Background(), fleet.Task{MatchID: "m1", URL: "https://nowhere.example"})
	require.Error(t, err)

	require.Equal(t, 2, factory.created)
	require.Equal(t, 0, contexts.Stats().Idle)
}
