package health

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/publisher/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type fakeMatches struct {
	mu      sync.Mutex
	payload lifecycle.HealthPayload
}

func (f *fakeMatches) set(total, degraded, failing int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = lifecycle.HealthPayload{
		Total: total,
		Counts: map[fleet.HealthStatus]int{
			fleet.HealthHealthy:  total - degraded - failing,
			fleet.HealthDegraded: degraded,
			fleet.HealthFailing:  failing,
		},
		Issues:   []string{},
		Warnings: []string{},
	}
}

func (f *fakeMatches) HealthPayload() lifecycle.HealthPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

type fakeTable struct {
	procs  []procInfo
	killed []int32
	fail   map[int32]error
}

func (f *fakeTable) List(context.Context) ([]procInfo, error) { return f.procs, nil }

func (f *fakeTable) Kill(_ context.Context, pid int32) error {
	if err := f.fail[pid]; err != nil {
		return err
	}
	f.killed = append(f.killed, pid)
	return nil
}

func TestTrackerGradesFleet(t *testing.T) {
	t.Parallel()

	matches := &fakeMatches{}
	matches.set(4, 0, 0)
	em := &recordingEmitter{}
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tracker := NewTracker(Options{Matches: matches, Clock: clk, Emitter: em})

	report := tracker.Evaluate(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.True(t, report.Ready)
	require.Empty(t, em.snapshot())

	matches.set(4, 1, 0)
	require.Equal(t, StatusDegraded, tracker.Evaluate(context.Background()).Status)

	matches.set(4, 0, 2)
	require.Equal(t, StatusDegraded, tracker.Evaluate(context.Background()).Status, "half failing is not a majority")

	matches.set(4, 0, 3)
	report = tracker.Evaluate(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.False(t, report.Ready)
	require.Contains(t, report.Issues, "3 of 4 matches failing")

	matches.set(4, 0, 0)
	require.Equal(t, StatusHealthy, tracker.Evaluate(context.Background()).Status)
	require.True(t, tracker.Ready())

	var transitions []string
	for _, evt := range em.snapshot() {
		require.Equal(t, events.KindFleetHealth, evt.Kind)
		transitions = append(transitions, evt.From+">"+evt.To)
	}
	require.Equal(t, []string{"healthy>degraded", "degraded>unhealthy", "unhealthy>healthy"}, transitions)
}

func TestTrackerBreakersPoolsBackend(t *testing.T) {
	t.Parallel()

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Timeout: time.Hour}, nil, nil, nil)
	_ = breakers.Call(context.Background(), "backend", func(context.Context) error { return errors.New("down") })
	backend := memory.New()
	backend.SetHealthy(false)

	tracker := NewTracker(Options{
		Breakers: breakers,
		Backend:  backend,
		Pools: []func() pool.Stats{
			func() pool.Stats { return pool.Stats{Name: "match_pages", MaxSize: 2, InUse: 2} },
		},
	})
	report := tracker.Evaluate(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.False(t, report.BackendHealthy)
	require.Contains(t, report.Issues, "breaker backend open")
	require.Contains(t, report.Issues, "backend health check failed")
	require.Contains(t, report.Warnings, "pool match_pages saturated (2/2)")
	require.True(t, report.Ready, "degraded instances stay ready")
}

func TestTrackerMarkUnhealthyIsSticky(t *testing.T) {
	t.Parallel()

	em := &recordingEmitter{}
	tracker := NewTracker(Options{Emitter: em})
	tracker.MarkUnhealthy("42 processes exceed limit 10")
	tracker.MarkUnhealthy("ignored")
	require.False(t, tracker.Ready())

	report := tracker.Evaluate(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Contains(t, report.Issues, "watchdog: 42 processes exceed limit 10")
	require.Len(t, em.snapshot(), 1)
}

func TestTrackerSatisfiesWatchdogMarker(t *testing.T) {
	t.Parallel()

	var _ lifecycle.UnhealthyMarker = NewTracker(Options{})
	var _ lifecycle.ProcessCounter = NewProcessCounter("chrome")
}

func TestProcessCounterCountsDescendants(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: []procInfo{
		{PID: 100, PPID: 1, Name: "fleet"},
		{PID: 200, PPID: 100, Name: "chrome"},
		{PID: 201, PPID: 200, Name: "chrome"},
		{PID: 202, PPID: 201, Name: "Chrome Helper"},
		{PID: 203, PPID: 100, Name: "sh"},
		{PID: 300, PPID: 1, Name: "chrome"},
	}}
	c := &ProcessCounter{table: table, root: 100, pattern: "chrome"}
	n, err := c.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	c.pattern = ""
	n, err = c.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestProcessCounterReadsRealTable(t *testing.T) {
	t.Parallel()

	procs, err := gopsutilTable{}.List(context.Background())
	require.NoError(t, err)
	self := int32(os.Getpid())
	found := false
	for _, p := range procs {
		if p.PID == self {
			found = true
		}
	}
	require.True(t, found, "own process must be listed")

	n, err := NewProcessCounter("no-such-process-name").Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOrphanSweeperKillsOnlyOrphans(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	old := now.Add(-10 * time.Minute)
	table := &fakeTable{
		procs: []procInfo{
			{PID: 100, PPID: 1, Name: "fleet", Created: old},
			{PID: 200, PPID: 100, Name: "chrome", Created: old}, // live browser
			{PID: 201, PPID: 200, Name: "chrome", Created: old},
			{PID: 202, PPID: 200, Name: "chromium", Created: old},
			{PID: 203, PPID: 200, Name: "chrome", Created: now},
			{PID: 204, PPID: 200, Name: "chrome", Created: old},
			{PID: 210, PPID: 100, Name: "chrome", Created: old}, // starting, parent is us
			{PID: 300, PPID: 1, Name: "chrome", Created: old},   // someone else's browser
			{PID: 400, PPID: 1, Name: "postgres", Created: old},
		},
		fail: map[int32]error{202: errors.New("operation not permitted")},
	}
	em := &recordingEmitter{}
	browser := []int{200}
	s, err := NewOrphanSweeper(SweeperConfig{ProcessName: "chrom", MinAge: time.Minute},
		func() []int { return browser },
		SweeperOptions{Clock: &fakeClock{now: now}, Emitter: em})
	require.NoError(t, err)
	s.table = table
	s.self = 100

	killed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, killed)
	require.Empty(t, table.killed)
	require.Empty(t, em.snapshot())

	// The browser died and its children were reparented to init.
	browser = nil
	table.procs = []procInfo{
		{PID: 100, PPID: 1, Name: "fleet", Created: old},
		{PID: 201, PPID: 1, Name: "chrome", Created: old},   // orphan
		{PID: 205, PPID: 201, Name: "chrome", Created: old}, // orphan child
		{PID: 202, PPID: 1, Name: "chromium", Created: old}, // orphan, kill fails
		{PID: 203, PPID: 1, Name: "chrome", Created: now},   // too young
		{PID: 204, PPID: 1, Name: "chrome", Created: now},   // pid reused
		{PID: 210, PPID: 100, Name: "chrome", Created: old}, // still ours
		{PID: 300, PPID: 1, Name: "chrome", Created: old},   // never ours
		{PID: 301, PPID: 300, Name: "chrome", Created: old}, // never ours
		{PID: 400, PPID: 1, Name: "postgres", Created: old},
	}

	killed, err = s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, killed)
	require.ElementsMatch(t, []int32{201, 205}, table.killed)

	evts := em.snapshot()
	require.Len(t, evts, 1)
	require.Equal(t, events.KindOrphanSweep, evts[0].Kind)
	require.EqualValues(t, 2, evts[0].Value)

	_, err = NewOrphanSweeper(SweeperConfig{}, nil, SweeperOptions{})
	require.Error(t, err)
}

func TestOrphanSweeperSparesUnrelatedSameNameProcess(t *testing.T) {
	t.Parallel()

	old := time.Unix(1_700_000_000, 0).Add(-time.Hour)
	table := &fakeTable{procs: []procInfo{
		{PID: 100, PPID: 1, Name: "fleet", Created: old},
		{PID: 700, PPID: 1, Name: "chrome", Created: old},
		{PID: 701, PPID: 650, Name: "Google Chrome", Created: old},
	}}
	s, err := NewOrphanSweeper(SweeperConfig{ProcessName: "chrome", MinAge: time.Minute}, nil,
		SweeperOptions{Clock: &fakeClock{now: old.Add(time.Hour)}})
	require.NoError(t, err)
	s.table = table
	s.self = 100

	for i := 0; i < 3; i++ {
		killed, err := s.Sweep(context.Background())
		require.NoError(t, err)
		require.Zero(t, killed)
	}
	require.Empty(t, table.killed)
}

func TestCronRunsJobs(t *testing.T) {
	t.Parallel()

	c := NewCron(nil)
	require.Error(t, c.Add("bad", "not a schedule", func(context.Context) {}))

	type ctxKey struct{}
	var runs atomic.Int32
	var sawCtx atomic.Bool
	require.NoError(t, c.Add("tick", "@every 1s", func(ctx context.Context) {
		if ctx.Value(ctxKey{}) == "fleet" {
			sawCtx.Store(true)
		}
		runs.Add(1)
	}))
	c.Start(context.WithValue(context.Background(), ctxKey{}, "fleet"))
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.True(t, sawCtx.Load())
}
