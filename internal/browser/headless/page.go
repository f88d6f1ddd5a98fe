package headless

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Page is a single chromedp target.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config

	mu        sync.Mutex
	closed    bool
	pending   map[network.RequestID]responseMeta
	responses chan fleet.Response
	fetch     func(id network.RequestID) ([]byte, error)
}

type responseMeta struct {
	url      string
	status   int
	mimeType string
}

var _ fleet.Page = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, cfg Config) *Page {
	p := &Page{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		pending:   make(map[network.RequestID]responseMeta),
		responses: make(chan fleet.Response, cfg.ResponseBuffer),
	}
	p.fetch = p.responseBody
	return p
}

// Navigate loads url and waits for the body plus the configured settle delay.
func (p *Page) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := p.runContext(ctx)
	defer cancel()
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if p.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(p.cfg.SettleDelay))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Content returns the current outer HTML of the document.
func (p *Page) Content(ctx context.Context) (string, error) {
	runCtx, cancel := p.runContext(ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	return html, nil
}

// Responses streams captured response bodies. When the reader falls behind
// the oldest unread responses are dropped in favor of new ones.
func (p *Page) Responses() <-chan fleet.Response {
	return p.responses
}

// MemoryBytes reports the page's used JS heap.
func (p *Page) MemoryBytes(ctx context.Context) (uint64, error) {
	runCtx, cancel := p.runContext(ctx)
	defer cancel()
	var used float64
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := performance.Enable().Do(ctx); err != nil {
			return err
		}
		metrics, err := performance.GetMetrics().Do(ctx)
		if err != nil {
			return err
		}
		for _, m := range metrics {
			if m.Name == "JSHeapUsedSize" {
				used = m.Value
			}
		}
		return nil
	}))
	if err != nil {
		return 0, fmt.Errorf("read page metrics: %w", err)
	}
	return uint64(used), nil
}

// Close closes the target. It is safe to call more than once.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	close(p.responses)
	return nil
}

func (p *Page) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(p.ctx, p.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// onEvent runs on chromedp's event loop and must not block.
func (p *Page) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !p.captures(e.Type, e.Response.MimeType) {
			return
		}
		p.mu.Lock()
		p.pending[e.RequestID] = responseMeta{
			url:      e.Response.URL,
			status:   int(e.Response.Status),
			mimeType: e.Response.MimeType,
		}
		p.mu.Unlock()
	case *network.EventLoadingFinished:
		p.mu.Lock()
		meta, ok := p.pending[e.RequestID]
		delete(p.pending, e.RequestID)
		p.mu.Unlock()
		if ok {
			go p.deliver(e.RequestID, meta)
		}
	case *network.EventLoadingFailed:
		p.mu.Lock()
		delete(p.pending, e.RequestID)
		p.mu.Unlock()
	}
}

func (p *Page) captures(kind network.ResourceType, mimeType string) bool {
	if kind != network.ResourceTypeXHR && kind != network.ResourceTypeFetch && kind != network.ResourceTypeDocument {
		return false
	}
	for _, prefix := range p.cfg.CaptureMIMETypes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

func (p *Page) deliver(id network.RequestID, meta responseMeta) {
	body, err := p.fetch(id)
	if err != nil {
		return
	}
	resp := fleet.Response{
		URL:        meta.url,
		Status:     meta.status,
		MIMEType:   meta.mimeType,
		Body:       body,
		ReceivedAt: time.Now(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for {
		select {
		case p.responses <- resp:
			return
		default:
		}
		select {
		case <-p.responses:
		default:
		}
	}
}

func (p *Page) responseBody(id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(id).Do(ctx)
		body = b
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return body, nil
}
