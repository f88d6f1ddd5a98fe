package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// DependencyName is the breaker name used for match sources.
const DependencyName = "source"

// Poller is implemented by the concrete sources.
type Poller interface {
	Poll(ctx context.Context, task fleet.Task) (Poll, error)
	Forget(matchID string)
}

// Recycler tears down and rebuilds the browser resources behind a source.
// browser.PagePool and pool.Pool both implement it.
type Recycler interface {
	Recycle(ctx context.Context) error
}

// GuardOptions carries optional collaborators for Guard.
type GuardOptions struct {
	// Recycler, when set, is recycled once each time the breaker opens.
	Recycler Recycler
	// RecycleTimeout bounds one recycle. Defaults to one minute.
	RecycleTimeout time.Duration
	Logger         *zap.Logger
}

// Guarded runs every poll of a Poller through a circuit breaker, so an
// unreachable provider is not hammered by every running match. Sustained
// failures that open the breaker also recycle the browser resources.
type Guarded struct {
	next    Poller
	breaker *breaker.Breaker
	opts    GuardOptions

	mu        sync.Mutex
	recycling bool
	// recycledFor is the OpenedAt of the outage last recycled for.
	recycledFor time.Time
	wg          sync.WaitGroup
}

// Guard wraps next with the breaker registered under DependencyName.
func Guard(next Poller, breakers *breaker.Registry, opts GuardOptions) *Guarded {
	if opts.RecycleTimeout <= 0 {
		opts.RecycleTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("source_guard")
	return &Guarded{next: next, breaker: breakers.Get(DependencyName), opts: opts}
}

// Poll implements Poller.
func (g *Guarded) Poll(ctx context.Context, task fleet.Task) (Poll, error) {
	var out Poll
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		p, err := g.next.Poll(ctx, task)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil && !errors.Is(err, breaker.ErrOpen) {
		g.maybeRecycle()
	}
	return out, err
}

// maybeRecycle starts one background recycle per breaker opening.
func (g *Guarded) maybeRecycle() {
	if g.opts.Recycler == nil {
		return
	}
	stats := g.breaker.Stats()
	if stats.State != breaker.StateOpen.String() {
		return
	}
	g.mu.Lock()
	if g.recycling || stats.OpenedAt.Equal(g.recycledFor) {
		g.mu.Unlock()
		return
	}
	g.recycling = true
	g.recycledFor = stats.OpenedAt
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.RecycleTimeout)
		defer cancel()
		g.opts.Logger.Warn("source breaker opened, recycling browser resources")
		if err := g.opts.Recycler.Recycle(ctx); err != nil {
			g.opts.Logger.Error("recycle failed", zap.Error(err))
		}
		g.mu.Lock()
		g.recycling = false
		g.mu.Unlock()
	}()
}

// Wait blocks until any recycle in progress has finished.
func (g *Guarded) Wait() {
	g.wg.Wait()
}

// Forget implements Poller.
func (g *Guarded) Forget(matchID string) {
	g.next.Forget(matchID)
}
