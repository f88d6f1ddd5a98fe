package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Kind)
	}
	return out
}

func ball(t *testing.T, seq int64, notation string) cricket.BallEvent {
	t.Helper()
	bn, err := cricket.ParseBallNumber(notation)
	require.NoError(t, err)
	ev, err := cricket.NewBallEvent("m1", bn, 1, seq, 0, nil)
	require.NoError(t, err)
	return ev
}

func score(t *testing.T, seq int64, runs int) cricket.ScoreSnapshot {
	t.Helper()
	snap, err := cricket.NewScoreSnapshot(cricket.ScoreInput{MatchID: "m1", Sequence: seq, Runs: runs, Overs: cricket.Overs{Completed: 3}})
	require.NoError(t, err)
	return snap
}
