package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

func TestPolicy_DelayFormula(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 50 * time.Millisecond},
		WithRandom(func() float64 { return 0.5 }))

	require.Equal(t, 125*time.Millisecond, p.Delay(1))
	require.Equal(t, 225*time.Millisecond, p.Delay(2))
	require.Equal(t, 425*time.Millisecond, p.Delay(3))
	require.Equal(t, 825*time.Millisecond, p.Delay(4))
	require.Equal(t, 1025*time.Millisecond, p.Delay(5))
	require.Equal(t, 1025*time.Millisecond, p.Delay(30))
	require.Equal(t, p.Delay(1), p.Delay(0))
}

func TestPolicy_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var slept []time.Duration
	p := New(Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		WithEmitter(rec),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	calls := 0
	err := p.Do(context.Background(), "push", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)

	evts := rec.all()
	require.Len(t, evts, 3)
	for i, evt := range evts {
		require.Equal(t, events.KindRetryAttempt, evt.Kind)
		require.Equal(t, i+1, evt.Attempt)
		require.Equal(t, "push", evt.Operation)
	}
	require.Equal(t, "503", evts[0].Note)
	require.Empty(t, evts[2].Note)
}

func TestPolicy_ExhaustedWrapsLastCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("timeout talking to backend")
	p := New(Config{MaxAttempts: 3}, WithSleep(func(context.Context, time.Duration) error { return nil }))

	calls := 0
	err := p.Do(context.Background(), "push", func(context.Context) error {
		calls++
		return Transient(cause)
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, cause)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Contains(t, err.Error(), "push: retries exhausted after 3 attempts")
}

func TestPolicy_NonRetryableReturnsImmediately(t *testing.T) {
	t.Parallel()

	permanent := errors.New("400 bad payload")
	p := New(Config{MaxAttempts: 5})
	calls := 0
	err := p.Do(context.Background(), "push", func(context.Context) error {
		calls++
		return permanent
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, permanent)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestPolicy_CustomClassifier(t *testing.T) {
	t.Parallel()

	special := errors.New("rate limited")
	p := New(Config{MaxAttempts: 2},
		WithRetryable(func(err error) bool { return errors.Is(err, special) }),
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	calls := 0
	err := p.Do(context.Background(), "navigate", func(context.Context) error {
		calls++
		return special
	})
	require.Equal(t, 2, calls)
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestPolicy_ContextCancelStopsBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{MaxAttempts: 5, BaseDelay: time.Hour})
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "push", func(context.Context) error { return Transient(errors.New("flaky")) })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDoValue(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 2}, WithSleep(func(context.Context, time.Duration) error { return nil }))
	attempts := 0
	got, err := DoValue(context.Background(), p, "load", func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, Transient(errors.New("flaky"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}
