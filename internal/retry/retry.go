// Package retry runs operations with capped exponential backoff and jitter.
// Only errors the caller designates as retryable are retried; exhaustion is
// reported as an *ExhaustedError that wraps the last cause.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// ErrRetriesExhausted matches every *ExhaustedError via errors.Is.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last cause.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as retryable by the default classifier.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient or is a network
// timeout.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Config holds the backoff parameters.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// Policy executes operations according to Config.
type Policy struct {
	cfg       Config
	retryable func(error) bool
	emitter   events.Emitter
	clock     fleet.Clock
	random    func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRetryable replaces the default classifier (IsTransient).
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.retryable = fn
		}
	}
}

// WithEmitter reports every attempt to e.
func WithEmitter(e events.Emitter) Option {
	return func(p *Policy) { p.emitter = events.OrNop(e) }
}

// WithClock sets the clock used for event timestamps.
func WithClock(c fleet.Clock) Option {
	return func(p *Policy) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithRandom replaces the U(0,1) source used for jitter.
func WithRandom(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.random = fn
		}
	}
}

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// New builds a Policy. MaxAttempts below one is treated as one.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		cfg.BaseDelay = cfg.MaxDelay
	}
	p := &Policy{
		cfg:       cfg,
		retryable: IsTransient,
		emitter:   events.Nop{},
		clock:     system.New(),
		random:    rand.Float64,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns min(base*2^(attempt-1), max) + jitter*U(0,1) for a 1-based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.cfg.MaxDelay > 0 && backoff > float64(p.cfg.MaxDelay) {
		backoff = float64(p.cfg.MaxDelay)
	}
	jitter := 0.0
	if p.cfg.Jitter > 0 {
		jitter = float64(p.cfg.Jitter) * p.random()
	}
	return time.Duration(backoff + jitter)
}

// Do runs fn until it succeeds, fails with a non-retryable error, the context
// ends, or MaxAttempts is reached.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		start := p.clock.Now()
		err := fn(ctx)
		elapsed := p.clock.Now().Sub(start)
		if err == nil {
			p.emit(op, attempt, 0, elapsed, nil)
			return nil
		}
		last = err
		if !p.retryable(err) || ctx.Err() != nil {
			p.emit(op, attempt, 0, elapsed, err)
			return err
		}
		if attempt == p.cfg.MaxAttempts {
			p.emit(op, attempt, 0, elapsed, err)
			break
		}
		delay := p.Delay(attempt)
		p.emit(op, attempt, delay, elapsed, err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: backoff interrupted: %w", op, errors.Join(serr, last))
		}
	}
	return &ExhaustedError{Op: op, Attempts: p.cfg.MaxAttempts, Last: last}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) emit(op string, attempt int, delay, elapsed time.Duration, err error) {
	evt := events.Event{
		TS:        p.clock.Now(),
		Kind:      events.KindRetryAttempt,
		Operation: op,
		Attempt:   attempt,
		Delay:     delay,
		Dur:       elapsed,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	p.emitter.Emit(evt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
