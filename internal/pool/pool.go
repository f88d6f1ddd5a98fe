package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Factory creates and destroys pooled values.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Destroy(value T) error
}

// Resource wraps a pooled value. It is owned by exactly one caller between
// Acquire and Release.
type Resource[T any] struct {
	Value T

	id        uint64
	epoch     uint64
	createdAt time.Time
	lastUsed  time.Time
	errs      atomic.Int32
	released  atomic.Bool
	destroyed bool
}

// MarkError records a failure observed while using the resource.
func (r *Resource[T]) MarkError() {
	r.errs.Add(1)
}

// Errors returns the recorded error count.
func (r *Resource[T]) Errors() int {
	return int(r.errs.Load())
}

// CreatedAt returns when the resource was created.
func (r *Resource[T]) CreatedAt() time.Time {
	return r.createdAt
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string `json:"name"`
	MaxSize   int    `json:"max_size"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	Created   int64  `json:"created"`
	Destroyed int64  `json:"destroyed"`
}

// Pool hands out resources created by a Factory, bounded by Config.MaxSize.
type Pool[T any] struct {
	name     string
	cfg      Config
	factory  Factory[T]
	clock    fleet.Clock
	emitter  events.Emitter
	observer Observer
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu        sync.Mutex
	idle      []*Resource[T] // index 0 is least recently used
	inUse     map[uint64]*Resource[T]
	nextID    uint64
	epoch     uint64
	closed    bool
	releaseCh chan struct{}
	created   int64
	destroyed int64
}

// Options carries optional collaborators for New.
type Options struct {
	Clock    fleet.Clock
	Emitter  events.Emitter
	Observer Observer
	Logger   *zap.Logger
}

// New builds an empty pool; resources are created on demand.
func New[T any](name string, cfg Config, factory Factory[T], opts Options) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool %s: factory is required", name)
	}
	cfg = cfg.withDefaults()
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool[T]{
		name:      name,
		cfg:       cfg,
		factory:   factory,
		clock:     opts.Clock,
		emitter:   events.OrNop(opts.Emitter),
		observer:  opts.Observer,
		logger:    opts.Logger.Named("pool").With(zap.String("pool", name)),
		sem:       semaphore.NewWeighted(int64(cfg.MaxSize)),
		inUse:     make(map[uint64]*Resource[T]),
		releaseCh: make(chan struct{}),
	}, nil
}

// Acquire blocks until a slot is free, then returns an idle resource or a
// newly created one.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", p.name, err)
	}
	res, expired, err := p.takeIdle()
	p.destroyAll(expired)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	res, err = p.create(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return res, nil
}

// Release returns res to the pool. Unhealthy, stale, or overflowing
// resources are destroyed. Releasing twice is a no-op.
func (p *Pool[T]) Release(res *Resource[T]) {
	if res == nil || !res.released.CompareAndSwap(false, true) {
		return
	}
	defer p.sem.Release(1)

	var doomed []eviction[T]
	p.mu.Lock()
	if res.destroyed {
		p.signalLocked()
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	reason := ""
	switch {
	case p.closed:
		reason = ReasonShutdown
	case res.epoch != p.epoch:
		reason = ReasonRecycle
	default:
		reason = p.cfg.ExpiryReason(res.createdAt, now, res.Errors())
	}
	if reason == "" {
		delete(p.inUse, res.id)
		res.lastUsed = now
		p.idle = append(p.idle, res)
		if len(p.idle) > p.cfg.MaxIdle {
			victim := p.idle[0]
			victim.destroyed = true
			p.idle = p.idle[1:]
			doomed = append(doomed, eviction[T]{victim, ReasonLRU})
		}
		p.signalLocked()
		p.observeLocked()
		p.mu.Unlock()
		p.destroyAll(doomed)
		return
	}
	// Stays counted as in use until destroyed so Recycle can wait on it.
	res.destroyed = true
	p.mu.Unlock()

	p.destroyAll([]eviction[T]{{res, reason}})

	p.mu.Lock()
	delete(p.inUse, res.id)
	p.signalLocked()
	p.observeLocked()
	p.mu.Unlock()
}

// Recycle destroys every resource and resets the substrate when the factory
// supports it. Holders get ShutdownGrace to release before their resources
// are force-closed.
func (p *Pool[T]) Recycle(ctx context.Context) error {
	p.drain(ctx, ReasonRecycle)
	if r, ok := p.factory.(Recycler); ok {
		if err := r.Recycle(ctx); err != nil {
			return fmt.Errorf("recycle %s substrate: %w", p.name, err)
		}
	}
	p.logger.Info("pool recycled")
	return nil
}

// Shutdown refuses further acquisitions and destroys every resource, forcing
// held ones closed after ShutdownGrace.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.drain(ctx, ReasonShutdown)
	return nil
}

// Stats reports current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		MaxSize:   p.cfg.MaxSize,
		InUse:     len(p.inUse),
		Idle:      len(p.idle),
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

type eviction[T any] struct {
	res    *Resource[T]
	reason string
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) takeIdle() (*Resource[T], []eviction[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	now := p.clock.Now()
	var expired []eviction[T]
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		res := p.idle[last]
		p.idle = p.idle[:last]
		if reason := p.cfg.ExpiryReason(res.createdAt, now, res.Errors()); reason != "" {
			res.destroyed = true
			expired = append(expired, eviction[T]{res, reason})
			continue
		}
		res.released.Store(false)
		res.lastUsed = now
		p.inUse[res.id] = res
		p.observeLocked()
		return res, expired, nil
	}
	return nil, expired, nil
}

func (p *Pool[T]) create(ctx context.Context) (*Resource[T], error) {
	p.mu.Lock()
	epoch := p.epoch
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	value, err := p.factory.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s resource: %w", p.name, err)
	}
	now := p.clock.Now()
	res := &Resource[T]{Value: value, id: id, epoch: epoch, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyAll([]eviction[T]{{res, ReasonShutdown}})
		return nil, ErrClosed
	}
	p.inUse[id] = res
	p.created++
	p.observeLocked()
	p.mu.Unlock()
	return res, nil
}

func (p *Pool[T]) drain(ctx context.Context, reason string) {
	p.mu.Lock()
	p.epoch++
	cutoff := p.epoch
	idle := make([]eviction[T], 0, len(p.idle))
	for _, res := range p.idle {
		res.destroyed = true
		idle = append(idle, eviction[T]{res, reason})
	}
	p.idle = nil
	p.observeLocked()
	p.mu.Unlock()
	p.destroyAll(idle)

	WaitReleased(ctx, p.cfg.ShutdownGrace, func() (int, <-chan struct{}) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.countOlderLocked(cutoff), p.releaseCh
	})

	var forced []eviction[T]
	p.mu.Lock()
	for id, res := range p.inUse {
		if res.epoch >= cutoff || res.destroyed {
			continue
		}
		res.destroyed = true
		delete(p.inUse, id)
		forced = append(forced, eviction[T]{res, ReasonForced})
	}
	p.observeLocked()
	p.mu.Unlock()
	if len(forced) > 0 {
		p.logger.Warn("force-closing held resources", zap.Int("count", len(forced)))
	}
	p.destroyAll(forced)
}

func (p *Pool[T]) countOlderLocked(cutoff uint64) int {
	n := 0
	for _, res := range p.inUse {
		if res.epoch < cutoff {
			n++
		}
	}
	return n
}

func (p *Pool[T]) destroyAll(list []eviction[T]) {
	for _, d := range list {
		if err := p.factory.Destroy(d.res.Value); err != nil {
			p.logger.Warn("destroy resource failed", zap.String("reason", d.reason), zap.Error(err))
		}
		p.mu.Lock()
		p.destroyed++
		p.mu.Unlock()
		p.observer.ObserveEviction(p.name, d.reason)
		p.emitter.Emit(events.Event{
			TS:        p.clock.Now(),
			Kind:      events.KindPoolEviction,
			Operation: p.name,
			Note:      d.reason,
		})
	}
}

func (p *Pool[T]) signalLocked() {
	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

func (p *Pool[T]) observeLocked() {
	p.observer.ObservePool(p.name, len(p.inUse), len(p.idle))
}
