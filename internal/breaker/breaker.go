// Package breaker isolates failing dependencies with a three-state circuit
// breaker. One Breaker exists per dependency name, handed out by a Registry.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// ErrOpen is returned without invoking the wrapped call while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config sets the transition thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	Successes  int       `json:"successes"`
	Rejections int64     `json:"rejections"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
}

// Breaker is safe for concurrent use. The lazy OPEN to HALF_OPEN check and
// any counter change it leads to happen under one lock.
type Breaker struct {
	name    string
	cfg     Config
	clock   fleet.Clock
	emitter events.Emitter
	// classify sorts a call's error into success, failure or neutral.
	classify func(error) outcome

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int
	successes  int
	rejections int64
	openedAt   time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config, clk fleet.Clock, emitter events.Emitter) *Breaker {
	if clk == nil {
		clk = system.New()
	}
	return &Breaker{
		name:      name,
		cfg:       cfg.withDefaults(),
		clock:     clk,
		emitter:   events.OrNop(emitter),
		classify:  classify,
		state:     StateClosed,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving OPEN to HALF_OPEN when the timeout
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(gen, callErr)
	return callErr
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return Stats{
		Name:       b.name,
		State:      b.state.String(),
		Failures:   b.failures,
		Successes:  b.successes,
		Rejections: b.rejections,
		OpenedAt:   b.openedAt,
	}
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	if b.state == StateOpen {
		b.rejections++
		remaining := b.cfg.Timeout - b.clock.Now().Sub(b.openedAt)
		return 0, fmt.Errorf("%s: %w (retry in %s)", b.name, ErrOpen, remaining.Round(time.Millisecond))
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	switch b.classify(err) {
	case outcomeNeutral:
		return
	case outcomeFailure:
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.transitionLocked(StateOpen, err)
			}
		case StateHalfOpen:
			b.transitionLocked(StateOpen, err)
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, nil)
		}
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen, nil)
	}
}

func (b *Breaker) transitionLocked(to State, cause error) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.successes = 0
	now := b.clock.Now()
	if to == StateOpen {
		b.openedAt = now
	}
	evt := events.Event{
		TS:        now,
		Kind:      events.KindBreakerTransition,
		Operation: b.name,
		From:      from.String(),
		To:        to.String(),
	}
	if cause != nil {
		evt.Note = cause.Error()
	}
	b.emitter.Emit(evt)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral leaves counters and state untouched.
	outcomeNeutral
)

// classify treats cancellation by the caller as neither a success nor a
// failure of the dependency.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled):
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}
