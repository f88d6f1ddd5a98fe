package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePage struct {
	id        int64
	navigated []string
	closes    atomic.Int32
	navErr    error
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	if p.navErr != nil {
		return p.navErr
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) Content(context.Context) (string, error) { return "<html></html>", nil }
func (p *fakePage) Responses() <-chan fleet.Response       { return nil }

func (p *fakePage) Close() error {
	p.closes.Add(1)
	return nil
}

type fakeBrowser struct {
	next   atomic.Int64
	resets atomic.Int32
	navErr error

	mu    sync.Mutex
	pages []*fakePage
}

func (b *fakeBrowser) NewPage(context.Context) (fleet.Page, error) {
	page := &fakePage{id: b.next.Add(1), navErr: b.navErr}
	b.mu.Lock()
	b.pages = append(b.pages, page)
	b.mu.Unlock()
	return page, nil
}

func (b *fakeBrowser) Reset(context.Context) error {
	b.resets.Add(1)
	return nil
}

func (b *fakeBrowser) Close() error { return nil }

type brokenBrowser struct{ fakeBrowser }

func (*brokenBrowser) NewPage(context.Context) (fleet.Page, error) {
	return nil, errors.New("chrome crashed")
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) reasonsFor(matchID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, evt := range r.events {
		if evt.MatchID == matchID {
			out = append(out, evt.Note)
		}
	}
	return out
}
