// Package ratelimit implements token buckets for admission control and
// per-host pacing of outbound calls.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

var (
	// ErrExceedsCapacity is returned when a request asks for more tokens than
	// the bucket can ever hold.
	ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")
	// ErrNoRefill is returned by Consume when the bucket never refills.
	ErrNoRefill = errors.New("bucket has no refill rate")
)

// Bucket is a token bucket with a fixed capacity and refill rate. Refill is
// computed lazily from clock deltas on every access. The token level never
// goes negative: waiting callers poll until enough tokens accrue instead of
// reserving future tokens.
type Bucket struct {
	lim      *rate.Limiter
	capacity int
	refill   float64
	clock    fleet.Clock

	// A bucket without refill is counted here instead of in lim, whose zero
	// Limit reports no tokens at all.
	mu        sync.Mutex
	remaining int
}

// NewBucket returns a full bucket. refillPerSecond may be zero for a bucket
// that only drains.
func NewBucket(capacity int, refillPerSecond float64, clk fleet.Clock) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket capacity must be > 0, got %d", capacity)
	}
	if refillPerSecond < 0 {
		return nil, fmt.Errorf("bucket refill rate must be >= 0, got %v", refillPerSecond)
	}
	if clk == nil {
		clk = system.New()
	}
	return &Bucket{
		lim:       rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity:  capacity,
		refill:    refillPerSecond,
		clock:     clk,
		remaining: capacity,
	}, nil
}

// Capacity returns the maximum number of tokens.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// TryConsume takes n tokens if they are available and reports whether it did.
func (b *Bucket) TryConsume(n int) bool {
	if n <= 0 {
		return true
	}
	if n > b.capacity {
		return false
	}
	return b.allow(n)
}

func (b *Bucket) allow(n int) bool {
	if b.refill > 0 {
		return b.lim.AllowN(b.clock.Now(), n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining < n {
		return false
	}
	b.remaining -= n
	return true
}

// Consume waits until n tokens are available and takes them.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("consume %d tokens: %w", n, ErrExceedsCapacity)
	}
	for {
		if b.allow(n) {
			return nil
		}
		if b.refill == 0 {
			return fmt.Errorf("consume %d tokens: %w", n, ErrNoRefill)
		}
		deficit := float64(n) - b.lim.TokensAt(b.clock.Now())
		wait := time.Duration(deficit / b.refill * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Tokens returns the current token level.
func (b *Bucket) Tokens() float64 {
	if b.refill == 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
		return float64(b.remaining)
	}
	tokens := b.lim.TokensAt(b.clock.Now())
	switch {
	case tokens < 0:
		return 0
	case tokens > float64(b.capacity):
		return float64(b.capacity)
	default:
		return tokens
	}
}

// Config holds per-host pacing configuration.
type Config struct {
	Capacity      int     `mapstructure:"capacity"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// Keyed paces calls per URL host, one Bucket per host.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	cfg     Config
	clock   fleet.Clock
}

// NewKeyed creates a Keyed limiter. A non-positive rate disables pacing.
func NewKeyed(cfg Config, clk fleet.Clock) *Keyed {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if clk == nil {
		clk = system.New()
	}
	return &Keyed{buckets: make(map[string]*Bucket), cfg: cfg, clock: clk}
}

// Wait blocks until a token is available for rawURL's host.
func (k *Keyed) Wait(ctx context.Context, rawURL string) error {
	if k == nil || k.cfg.RatePerSecond <= 0 {
		return nil
	}
	bucket, err := k.bucketFor(hostOf(rawURL))
	if err != nil {
		return err
	}
	return bucket.Consume(ctx, 1)
}

func (k *Keyed) bucketFor(host string) (*Bucket, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.buckets[host]; ok {
		return b, nil
	}
	b, err := NewBucket(k.cfg.Capacity, k.cfg.RatePerSecond, k.clock)
	if err != nil {
		return nil, fmt.Errorf("create bucket for %s: %w", host, err)
	}
	k.buckets[host] = b
	return b, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
