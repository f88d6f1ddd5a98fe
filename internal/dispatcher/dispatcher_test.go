package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/scheduler"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{Capacity: 16}, scheduler.Options{})
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	s := newScheduler(t)
	_, err := New(nil, HandlerFunc(func(context.Context, fleet.Task) error { return nil }), 1, nil)
	require.Error(t, err)
	_, err = New(s, HandlerFunc(func(context.Context, fleet.Task) error { return nil }), 0, nil)
	require.Error(t, err)
}

func TestDispatcherHandlesTasksAndReleasesSlots(t *testing.T) {
	t.Parallel()

	s := newScheduler(t)
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := HandlerFunc(func(_ context.Context, task fleet.Task) error {
		mu.Lock()
		seen = append(seen, task.MatchID)
		mu.Unlock()
		if task.MatchID == "bad" {
			return errors.New("parse failure")
		}
		return nil
	})
	d, err := New(s, handler, 2, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	for _, id := range []string{"m1", "bad", "m2"} {
		require.NoError(t, s.Enqueue(fleet.Task{MatchID: id, Priority: fleet.PriorityLive}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3 && s.InFlight() == 0
	}, time.Second, 5*time.Millisecond)

	// A failed task must not keep its match blocked.
	require.NoError(t, s.Enqueue(fleet.Task{MatchID: "bad", Priority: fleet.PriorityLive}))

	s.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after scheduler close")
	}
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	t.Parallel()

	s := newScheduler(t)
	var handled atomic.Int32
	handler := HandlerFunc(func(_ context.Context, task fleet.Task) error {
		handled.Add(1)
		if task.MatchID == "boom" {
			panic("nil scorecard")
		}
		return nil
	})
	d, err := New(s, handler, 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, s.Enqueue(fleet.Task{MatchID: "boom"}))
	require.NoError(t, s.Enqueue(fleet.Task{MatchID: "ok"}))
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
