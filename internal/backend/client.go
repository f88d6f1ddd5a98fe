// Package backend guards pushes to the update backend with a circuit
// breaker, retries, tracing, and latency reporting.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/retry"
)

// DependencyName is the breaker name used for the backend.
const DependencyName = "backend"

// Observer receives push latencies.
type Observer interface {
	ObservePush(operation string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObservePush(string, time.Duration, error) {}

// Options carries the collaborators of a Client. Breakers and Retry are
// required.
type Options struct {
	Breakers *breaker.Registry
	Retry    *retry.Policy
	Tracer   trace.Tracer
	Observer Observer
	Clock    fleet.Clock
	Emitter  events.Emitter
	Logger   *zap.Logger
}

// Client implements fleet.Backend around another fleet.Backend.
type Client struct {
	next     fleet.Backend
	breaker  *breaker.Breaker
	retry    *retry.Policy
	tracer   trace.Tracer
	observer Observer
	clock    fleet.Clock
	emitter  events.Emitter
	logger   *zap.Logger
}

// New wraps next.
func New(next fleet.Backend, opts Options) (*Client, error) {
	if next == nil {
		return nil, errors.New("backend client requires a backend")
	}
	if opts.Breakers == nil || opts.Retry == nil {
		return nil, errors.New("backend client requires a breaker registry and a retry policy")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/JakeFAU/realtime-cricket-fleet/internal/backend")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		next:     next,
		breaker:  opts.Breakers.Get(DependencyName),
		retry:    opts.Retry,
		tracer:   opts.Tracer,
		observer: opts.Observer,
		clock:    opts.Clock,
		emitter:  events.OrNop(opts.Emitter),
		logger:   opts.Logger.Named("backend"),
	}, nil
}

// Push delivers payload. Empty payloads are skipped.
func (c *Client) Push(ctx context.Context, payload fleet.Payload) error {
	if len(payload.Updates) == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "backend.push", trace.WithAttributes(
		attribute.String("match_id", payload.MatchID),
		attribute.Int("updates", len(payload.Updates)),
	))
	defer span.End()

	start := c.clock.Now()
	err := c.retry.Do(ctx, "backend.push", func(ctx context.Context) error {
		return c.breaker.Call(ctx, func(ctx context.Context) error {
			return c.next.Push(ctx, payload)
		})
	})
	elapsed := c.clock.Now().Sub(start)
	c.observer.ObservePush("push", elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("push failed",
			zap.String("match_id", payload.MatchID),
			zap.String("dependency", DependencyName),
			zap.Error(err),
		)
		return fmt.Errorf("push %s: %w", payload.MatchID, err)
	}
	c.emitter.Emit(events.Event{
		TS:        c.clock.Now(),
		Kind:      events.KindUpdatePushed,
		MatchID:   payload.MatchID,
		Operation: DependencyName,
		Dur:       elapsed,
		Value:     int64(len(payload.Updates)),
	})
	return nil
}

// HealthCheck is false while the breaker is open, otherwise it asks the
// wrapped backend.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if c.breaker.State() == breaker.StateOpen {
		return false
	}
	start := c.clock.Now()
	ok := c.next.HealthCheck(ctx)
	var err error
	if !ok {
		err = errors.New("health check failed")
	}
	c.observer.ObservePush("health_check", c.clock.Now().Sub(start), err)
	return ok
}

// Retryable classifies push errors for the retry policy. Pushes are
// idempotent upserts, so every failure except an open breaker or an ended
// context is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
