package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
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

func (r *recordingEmitter) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

var testThresholds = Thresholds{
	DegradedErrors:    3,
	FailingErrors:     6,
	DegradedStaleness: time.Minute,
	FailingStaleness:  5 * time.Minute,
	MemoryHardLimit:   1 << 30,
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Signals
		want fleet.HealthStatus
	}{
		{"quiet", Signals{}, fleet.HealthHealthy},
		{"below degraded", Signals{ErrorCount: 2, Staleness: 59 * time.Second}, fleet.HealthHealthy},
		{"errors at degraded", Signals{ErrorCount: 3}, fleet.HealthDegraded},
		{"stale degraded", Signals{Staleness: time.Minute}, fleet.HealthDegraded},
		{"errors at failing", Signals{ErrorCount: 6}, fleet.HealthFailing},
		{"errors past failing", Signals{ErrorCount: 60}, fleet.HealthFailing},
		{"stale failing", Signals{Staleness: 10 * time.Minute}, fleet.HealthFailing},
		{"memory over hard limit", Signals{MemoryBytes: 1<<30 + 1}, fleet.HealthFailing},
		{"memory at hard limit", Signals{MemoryBytes: 1 << 30}, fleet.HealthHealthy},
		{"stopping wins", Signals{Stopping: true, ErrorCount: 100, MemoryBytes: 1 << 40}, fleet.HealthStopping},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.in, testThresholds))
		})
	}
	require.Equal(t, fleet.HealthHealthy, Classify(Signals{ErrorCount: 1000, Staleness: time.Hour}, Thresholds{}))
}

func newTestContext(cfg Config) (*Context, *fakeClock, *recordingEmitter) {
	clk := newFakeClock()
	em := &recordingEmitter{}
	return NewContext("m1", "https://scores.test/m1", cfg, Options{Clock: clk, Emitter: em}), clk, em
}

func TestContext_ErrorThresholds(t *testing.T) {
	t.Parallel()

	c, _, em := newTestContext(Config{Thresholds: testThresholds})
	for i := 0; i < 3; i++ {
		c.RecordError(errors.New("timeout"))
	}
	require.Equal(t, fleet.HealthDegraded, c.Health())
	for i := 0; i < 3; i++ {
		c.RecordError(errors.New("timeout"))
	}
	require.Equal(t, fleet.HealthFailing, c.Health())

	c.RecordUpdate()
	require.Equal(t, fleet.HealthHealthy, c.Health())

	c.RequestShutdown()
	c.RecordError(nil)
	require.Equal(t, fleet.HealthStopping, c.Health())

	changes := em.ofKind(events.KindHealthChange)
	require.Len(t, changes, 4)
	require.Equal(t, "healthy", changes[0].From)
	require.Equal(t, "degraded", changes[0].To)
	require.Equal(t, "stopping", changes[3].To)
}

func TestContext_SuccessEndsStreakOnly(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(Config{Thresholds: testThresholds})
	c.RecordError(errors.New("selector missing"))
	c.RecordError(errors.New("selector missing"))
	c.RecordError(errors.New("selector missing"))
	c.RecordSuccess()

	st := c.State()
	require.Zero(t, st.ConsecutiveErrors)
	require.Equal(t, 3, st.ErrorCount)
	require.Equal(t, "selector missing", st.LastError)
	require.Equal(t, fleet.HealthDegraded, st.Status)
}

func TestContext_StalenessDrivesHealth(t *testing.T) {
	t.Parallel()

	c, clk, _ := newTestContext(Config{Thresholds: testThresholds})
	clk.Advance(2 * time.Minute)
	require.Equal(t, fleet.HealthDegraded, c.Health())
	clk.Advance(4 * time.Minute)
	require.Equal(t, fleet.HealthFailing, c.Health())
	c.RecordUpdate()
	require.Equal(t, fleet.HealthHealthy, c.Health())
}

func TestContext_ShouldRestart(t *testing.T) {
	t.Parallel()

	policy := RestartPolicy{
		MaxLifetime:          time.Hour,
		MaxStaleness:         10 * time.Minute,
		MaxConsecutiveErrors: 5,
		MaxMemoryBytes:       512 << 20,
	}

	c, clk, _ := newTestContext(Config{RestartPolicy: policy})
	ok, _ := c.ShouldRestart()
	require.False(t, ok)

	c.SampleResources(600<<20, 12)
	ok, reason := c.ShouldRestart()
	require.True(t, ok)
	require.Equal(t, ReasonMemory, reason)

	c, _, _ = newTestContext(Config{RestartPolicy: policy})
	for i := 0; i < 5; i++ {
		c.RecordError(nil)
	}
	_, reason = c.ShouldRestart()
	require.Equal(t, ReasonErrors, reason)

	c, clk, _ = newTestContext(Config{RestartPolicy: policy})
	clk.Advance(11 * time.Minute)
	_, reason = c.ShouldRestart()
	require.Equal(t, ReasonStale, reason)

	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Minute)
		c.RecordUpdate()
	}
	_, reason = c.ShouldRestart()
	require.Equal(t, ReasonLifetime, reason)

	c.RequestShutdown()
	ok, _ = c.ShouldRestart()
	require.False(t, ok)
}

func TestContext_RequestRestartFirstCallerWins(t *testing.T) {
	t.Parallel()

	c, clk, em := newTestContext(Config{RestartPolicy: RestartPolicy{RestartGrace: 30 * time.Second}})
	start := clk.Now()

	require.True(t, c.RequestRestart(ReasonMemory))
	require.False(t, c.RequestRestart(ReasonErrors))

	requested, reason, deadline := c.RestartRequested()
	require.True(t, requested)
	require.Equal(t, ReasonMemory, reason)
	require.Equal(t, start.Add(30*time.Second), deadline)

	select {
	case <-c.Done():
	default:
		t.Fatal("restart must request shutdown")
	}
	require.Equal(t, fleet.HealthStopping, c.Health())
	require.Len(t, em.ofKind(events.KindRestartRequested), 1)

	other, _, _ := newTestContext(Config{})
	other.RequestShutdown()
	require.False(t, other.RequestRestart(ReasonStale))
}

func TestContext_ConcurrentShutdown(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RequestShutdown()
			c.RecordError(nil)
			_ = c.Health()
		}()
	}
	wg.Wait()
	require.Equal(t, fleet.HealthStopping, c.State().Status)
}

func TestRegistry_IndexesByIDAndURL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	a := NewContext("m1", "u1", Config{Thresholds: testThresholds}, Options{Clock: clk})
	b := NewContext("m2", "u2", Config{Thresholds: testThresholds}, Options{Clock: clk})

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.ErrorIs(t, r.Register(NewContext("m1", "u9", Config{}, Options{})), ErrAlreadyRegistered)
	require.ErrorIs(t, r.Register(NewContext("m9", "u2", Config{}, Options{})), ErrAlreadyRegistered)

	got, ok := r.GetByURL("u2")
	require.True(t, ok)
	require.Same(t, b, got)

	// A stale handle cannot unregister its replacement.
	require.True(t, r.Remove(a))
	replacement := NewContext("m1", "u1", Config{}, Options{Clock: clk})
	require.NoError(t, r.Register(replacement))
	require.False(t, r.Remove(a))
	got, ok = r.Get("m1")
	require.True(t, ok)
	require.Same(t, replacement, got)
	require.Equal(t, 2, r.Len())
}

func TestRegistry_HealthPayload(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	cfg := Config{Thresholds: testThresholds, RestartPolicy: RestartPolicy{RestartGrace: time.Second}}
	healthy := NewContext("a", "ua", cfg, Options{Clock: clk})
	degraded := NewContext("b", "ub", cfg, Options{Clock: clk})
	failing := NewContext("c", "uc", cfg, Options{Clock: clk})
	restarting := NewContext("d", "ud", cfg, Options{Clock: clk})
	for _, c := range []*Context{healthy, degraded, failing, restarting} {
		require.NoError(t, r.Register(c))
	}
	for i := 0; i < 3; i++ {
		degraded.RecordError(nil)
	}
	for i := 0; i < 6; i++ {
		failing.RecordError(nil)
	}
	restarting.RequestRestart(ReasonMemory)

	p := r.HealthPayload()
	require.Equal(t, 4, p.Total)
	require.Equal(t, map[fleet.HealthStatus]int{
		fleet.HealthHealthy:  1,
		fleet.HealthDegraded: 1,
		fleet.HealthFailing:  1,
		fleet.HealthStopping: 1,
	}, p.Counts)
	require.Len(t, p.Issues, 2)
	require.Contains(t, p.Issues[0], "match c failing")
	require.Contains(t, p.Issues[1], "match d restarting: memory_exceeded")
	require.Equal(t, []string{"match b degraded: 3 errors, stale for 0s"}, p.Warnings)
	require.Equal(t, "a", p.Matches[0].MatchID)
}

type fakeCounter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeCounter) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}

type fakeMarker struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeMarker) MarkUnhealthy(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func TestWatchdog_TripsAfterPropagationDelay(t *testing.T) {
	t.Parallel()

	counter := &fakeCounter{count: 41}
	marker := &fakeMarker{}
	em := &recordingEmitter{}
	exitCode := make(chan int, 1)
	w, err := NewWatchdog(
		WatchdogConfig{MaxProcesses: 40, PropagationDelay: 20 * time.Millisecond},
		counter, marker,
		WatchdogOptions{Exit: func(code int) { exitCode <- code }, Emitter: em},
	)
	require.NoError(t, err)

	start := time.Now()
	require.True(t, w.Check(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, 1, <-exitCode)
	require.Equal(t, []string{"41 processes exceed limit 40"}, marker.reasons)
	trips := em.ofKind(events.KindWatchdogTrip)
	require.Len(t, trips, 1)
	require.EqualValues(t, 41, trips[0].Value)
}

func TestWatchdog_QuietBelowLimit(t *testing.T) {
	t.Parallel()

	counter := &fakeCounter{count: 40}
	marker := &fakeMarker{}
	w, err := NewWatchdog(WatchdogConfig{MaxProcesses: 40}, counter, marker,
		WatchdogOptions{Exit: func(int) { t.Error("unexpected exit") }})
	require.NoError(t, err)
	require.False(t, w.Check(context.Background()))

	counter.err = errors.New("proc unreadable")
	require.False(t, w.Check(context.Background()))
	require.Empty(t, marker.reasons)
}

func TestWatchdog_ShutdownSkipsExit(t *testing.T) {
	t.Parallel()

	counter := &fakeCounter{count: 100}
	marker := &fakeMarker{}
	w, err := NewWatchdog(WatchdogConfig{MaxProcesses: 1, PropagationDelay: time.Hour}, counter, marker,
		WatchdogOptions{Exit: func(int) { t.Error("unexpected exit") }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, w.Check(ctx))
	require.Len(t, marker.reasons, 1)

	_, err = NewWatchdog(WatchdogConfig{}, counter, marker, WatchdogOptions{})
	require.Error(t, err)
}
