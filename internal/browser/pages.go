package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
)

// PagePoolName labels the persistent page pool in events and metrics.
const PagePoolName = "match_pages"

// ErrPageBusy is returned when a match's page is already leased.
var ErrPageBusy = errors.New("page already leased for match")

// PagePoolConfig bounds the persistent page pool.
type PagePoolConfig struct {
	MaxPages          int           `mapstructure:"max_pages"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	MaxErrors         int           `mapstructure:"max_errors"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

func (c PagePoolConfig) withDefaults() PagePoolConfig {
	if c.MaxPages <= 0 {
		c.MaxPages = 8
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	return c
}

func (c PagePoolConfig) expiry() pool.Config {
	return pool.Config{MaxAge: c.MaxAge, MaxErrors: c.MaxErrors}
}

type pageEntry struct {
	matchID   string
	url       string
	page      fleet.Page
	epoch     uint64
	createdAt time.Time
	lastUsed  time.Time
	errs      int
	leased    bool
	removed   bool
	destroyed bool
}

// Lease is exclusive use of a match's page until Release.
type Lease struct {
	MatchID string
	Page    fleet.Page
	// Fresh is true when the page was created and navigated for this lease.
	Fresh bool

	entry    *pageEntry
	released bool
}

// PageStats describes one page held by the pool.
type PageStats struct {
	MatchID   string    `json:"match_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Errors    int       `json:"errors"`
	Leased    bool      `json:"leased"`
}

// PagePool keeps one long-lived page per match so live scores can be read
// without reloading between polls.
type PagePool struct {
	browser  fleet.Browser
	cfg      PagePoolConfig
	clock    fleet.Clock
	emitter  events.Emitter
	observer pool.Observer
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu        sync.Mutex
	pages     map[string]*pageEntry
	order     *simplelru.LRU // recency of match ids, oldest first
	epoch     uint64
	closed    bool
	releaseCh chan struct{}
}

// NewPagePool builds an empty pool over b.
func NewPagePool(b fleet.Browser, cfg PagePoolConfig, opts pool.Options) (*PagePool, error) {
	if b == nil {
		return nil, errors.New("page pool: browser is required")
	}
	cfg = cfg.withDefaults()
	order, err := simplelru.NewLRU(cfg.MaxPages, nil)
	if err != nil {
		return nil, fmt.Errorf("page pool: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &PagePool{
		browser:   b,
		cfg:       cfg,
		clock:     opts.Clock,
		emitter:   events.OrNop(opts.Emitter),
		observer:  observer,
		logger:    opts.Logger.Named("page_pool"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxPages)),
		pages:     make(map[string]*pageEntry),
		order:     order,
		releaseCh: make(chan struct{}),
	}, nil
}

// GetOrCreate leases the page for matchID, creating and navigating one to
// url when none exists or the existing page has expired.
func (p *PagePool) GetOrCreate(ctx context.Context, matchID, url string) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire page slot: %w", err)
	}
	lease, err := p.getOrCreate(ctx, matchID, url)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return lease, nil
}

func (p *PagePool) getOrCreate(ctx context.Context, matchID, url string) (*Lease, error) {
	var doomed []eviction
	defer func() { p.destroy(doomed) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, pool.ErrClosed
	}
	now := p.clock.Now()
	if entry, ok := p.pages[matchID]; ok {
		if entry.leased {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPageBusy, matchID)
		}
		reason := p.cfg.expiry().ExpiryReason(entry.createdAt, now, entry.errs)
		if reason == "" && entry.epoch != p.epoch {
			reason = pool.ReasonRecycle
		}
		if reason == "" && entry.url != url {
			reason = pool.ReasonRemoved
		}
		if reason == "" {
			entry.leased = true
			entry.lastUsed = now
			p.order.Get(matchID)
			p.observeLocked()
			p.mu.Unlock()
			return &Lease{MatchID: matchID, Page: entry.page, entry: entry}, nil
		}
		doomed = append(doomed, p.detachLocked(entry, reason))
	}
	if len(p.pages) >= p.cfg.MaxPages {
		if victim := p.lruIdleLocked(); victim != nil {
			doomed = append(doomed, p.detachLocked(victim, pool.ReasonLRU))
		}
	}
	// Reserve the slot before creating so concurrent callers see it.
	entry := &pageEntry{matchID: matchID, url: url, epoch: p.epoch, createdAt: now, lastUsed: now, leased: true}
	p.pages[matchID] = entry
	p.order.Add(matchID, struct{}{})
	p.mu.Unlock()

	page, err := p.openPage(ctx, url)
	p.mu.Lock()
	if err != nil {
		p.forgetLocked(entry)
		p.mu.Unlock()
		return nil, err
	}
	entry.page = page
	if p.closed || entry.destroyed {
		p.forgetLocked(entry)
		p.mu.Unlock()
		_ = page.Close()
		return nil, pool.ErrClosed
	}
	p.observeLocked()
	p.mu.Unlock()
	p.logger.Debug("page created", zap.String("match_id", matchID), zap.String("url", url))
	return &Lease{MatchID: matchID, Page: page, Fresh: true, entry: entry}, nil
}

func (p *PagePool) openPage(ctx context.Context, url string) (fleet.Page, error) {
	page, err := p.browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	if err := page.Navigate(navCtx, url); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

// Release ends a lease. A non-nil err counts against the page; expired,
// removed, or stale pages are destroyed. Releasing twice is a no-op.
func (p *PagePool) Release(lease *Lease, err error) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true
	defer p.sem.Release(1)

	entry := lease.entry
	p.mu.Lock()
	if entry.destroyed {
		p.signalLocked()
		p.mu.Unlock()
		return
	}
	entry.leased = false
	if err != nil {
		entry.errs++
	}
	now := p.clock.Now()
	entry.lastUsed = now
	reason := p.cfg.expiry().ExpiryReason(entry.createdAt, now, entry.errs)
	switch {
	case p.closed:
		reason = pool.ReasonShutdown
	case entry.removed:
		reason = pool.ReasonRemoved
	case entry.epoch != p.epoch:
		reason = pool.ReasonRecycle
	}
	var doomed []eviction
	if reason != "" {
		doomed = append(doomed, p.detachLocked(entry, reason))
	}
	p.signalLocked()
	p.observeLocked()
	p.mu.Unlock()
	p.destroy(doomed)
}

// Remove drops the page for matchID. A leased page is destroyed when its
// lease is released.
func (p *PagePool) Remove(matchID string) {
	p.mu.Lock()
	entry, ok := p.pages[matchID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if entry.leased {
		entry.removed = true
		p.mu.Unlock()
		return
	}
	doomed := []eviction{p.detachLocked(entry, pool.ReasonRemoved)}
	p.observeLocked()
	p.mu.Unlock()
	p.destroy(doomed)
}

// Recycle destroys every page, force-closing leased ones after the grace
// window, and restarts the browser process.
func (p *PagePool) Recycle(ctx context.Context) error {
	p.drain(ctx, pool.ReasonRecycle)
	if err := p.browser.Reset(ctx); err != nil {
		return fmt.Errorf("reset browser: %w", err)
	}
	p.logger.Info("page pool recycled")
	return nil
}

// Shutdown refuses new leases and destroys every page.
func (p *PagePool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.drain(ctx, pool.ReasonShutdown)
	return nil
}

// Len reports how many pages the pool holds.
func (p *PagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

// Summary reports occupancy in the same shape as pool.Pool.Stats.
func (p *PagePool) Summary() pool.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	leased := 0
	for _, entry := range p.pages {
		if entry.leased {
			leased++
		}
	}
	return pool.Stats{
		Name:    PagePoolName,
		MaxSize: p.cfg.MaxPages,
		InUse:   leased,
		Idle:    len(p.pages) - leased,
	}
}

// Stats lists held pages from least to most recently used.
func (p *PagePool) Stats() []PageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PageStats, 0, len(p.pages))
	for _, key := range p.order.Keys() {
		entry, ok := p.pages[key.(string)]
		if !ok {
			continue
		}
		out = append(out, PageStats{
			MatchID:   entry.matchID,
			URL:       entry.url,
			CreatedAt: entry.createdAt,
			LastUsed:  entry.lastUsed,
			Errors:    entry.errs,
			Leased:    entry.leased,
		})
	}
	return out
}

type eviction struct {
	entry  *pageEntry
	reason string
}

func (p *PagePool) drain(ctx context.Context, reason string) {
	p.mu.Lock()
	p.epoch++
	cutoff := p.epoch
	var doomed []eviction
	for _, entry := range p.pages {
		if !entry.leased {
			doomed = append(doomed, p.detachLocked(entry, reason))
		}
	}
	p.observeLocked()
	p.mu.Unlock()
	p.destroy(doomed)

	pool.WaitReleased(ctx, p.cfg.ShutdownGrace, func() (int, <-chan struct{}) {
		p.mu.Lock()
		defer p.mu.Unlock()
		n := 0
		for _, entry := range p.pages {
			if entry.leased && entry.epoch < cutoff {
				n++
			}
		}
		return n, p.releaseCh
	})

	doomed = doomed[:0]
	p.mu.Lock()
	for _, entry := range p.pages {
		if entry.epoch < cutoff {
			doomed = append(doomed, p.detachLocked(entry, pool.ReasonForced))
		}
	}
	p.observeLocked()
	p.mu.Unlock()
	if len(doomed) > 0 {
		p.logger.Warn("force-closing leased pages", zap.Int("count", len(doomed)))
	}
	p.destroy(doomed)
}

// detachLocked removes entry from the index and marks it destroyed.
func (p *PagePool) detachLocked(entry *pageEntry, reason string) eviction {
	p.forgetLocked(entry)
	entry.destroyed = true
	return eviction{entry: entry, reason: reason}
}

func (p *PagePool) forgetLocked(entry *pageEntry) {
	if current, ok := p.pages[entry.matchID]; ok && current == entry {
		delete(p.pages, entry.matchID)
		p.order.Remove(entry.matchID)
	}
}

func (p *PagePool) lruIdleLocked() *pageEntry {
	for _, key := range p.order.Keys() {
		if entry, ok := p.pages[key.(string)]; ok && !entry.leased {
			return entry
		}
	}
	return nil
}

func (p *PagePool) destroy(list []eviction) {
	for _, d := range list {
		if d.entry.page != nil {
			if err := d.entry.page.Close(); err != nil {
				p.logger.Warn("close page failed", zap.String("match_id", d.entry.matchID), zap.Error(err))
			}
		}
		p.observer.ObserveEviction(PagePoolName, d.reason)
		p.emitter.Emit(events.Event{
			TS:        p.clock.Now(),
			Kind:      events.KindPoolEviction,
			MatchID:   d.entry.matchID,
			Operation: PagePoolName,
			Note:      d.reason,
		})
	}
}

func (p *PagePool) signalLocked() {
	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

func (p *PagePool) observeLocked() {
	leased := 0
	for _, entry := range p.pages {
		if entry.leased {
			leased++
		}
	}
	p.observer.ObservePool(PagePoolName, leased, len(p.pages)-leased)
}

type nopObserver struct{}

func (nopObserver) ObservePool(string, int, int)   {}
func (nopObserver) ObserveEviction(string, string) {}
