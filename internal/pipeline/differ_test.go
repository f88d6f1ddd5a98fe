package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

func sampleCard() cricket.Scorecard {
	return cricket.Scorecard{
		MatchID: "m1",
		Innings: 1,
		Total:   42,
		Wickets: 1,
		Batters: []cricket.BatterLine{
			{Name: "Rohit", Runs: 20, Balls: 15, Fours: 3, Status: cricket.BatterOut, Dismissal: "c Smith b Cummins"},
			{Name: "Gill", Runs: 18, Balls: 14, Fours: 2, Status: cricket.BatterBatting},
			{Name: "Kohli", Runs: 0, Balls: 1, Status: cricket.BatterBatting},
		},
		Bowlers: []cricket.BowlerLine{
			{Name: "Cummins", Overs: cricket.Overs{Completed: 3}, Runs: 20, Wickets: 1},
			{Name: "Starc", Overs: cricket.Overs{Completed: 2, Balls: 1}, Runs: 18},
		},
		FallOfWickets: []cricket.FallOfWicket{{Wicket: 1, Score: 38, Batter: "Rohit", Overs: cricket.Overs{Completed: 5}}},
		Extras:        cricket.Extras{Wides: 3, LegByes: 1},
	}
}

func TestScorecardDiffer_MinimalDiff(t *testing.T) {
	t.Parallel()

	d := NewScorecardDiffer(Options{Clock: newFakeClock()})
	base := d.Diff(sampleCard())
	require.True(t, base.Baseline)
	require.Len(t, base.Batters, 3)
	require.Len(t, base.Fallen, 1)

	require.True(t, d.Diff(sampleCard()).Empty())

	next := sampleCard()
	next.Total = 49
	next.Wickets = 2
	next.Batters[1].Runs, next.Batters[1].Balls, next.Batters[1].Sixes = 24, 16, 1
	next.Batters[2].Status, next.Batters[2].Dismissal = cricket.BatterOut, "b Starc"
	next.Batters = append(next.Batters, cricket.BatterLine{Name: "Rahul", Status: cricket.BatterBatting})
	next.Bowlers[1].Overs = cricket.Overs{Completed: 3}
	next.Bowlers[1].Runs = 24
	next.Bowlers[1].Wickets = 1
	next.FallOfWickets = append(next.FallOfWickets, cricket.FallOfWicket{Wicket: 2, Score: 49, Batter: "Kohli"})
	next.Extras.Wides = 4

	diff := d.Diff(next)
	require.False(t, diff.Baseline)
	require.Equal(t, []BatterDelta{
		{Name: "Gill", Runs: 6, Balls: 2, Sixes: 1},
		{Name: "Kohli", From: cricket.BatterBatting, To: cricket.BatterOut, Dismissal: "b Starc"},
		{Name: "Rahul", To: cricket.BatterBatting},
	}, diff.Batters)
	require.Equal(t, []BowlerDelta{{Name: "Starc", Balls: 5, Runs: 6, Wickets: 1}}, diff.Bowlers)
	require.Equal(t, []cricket.FallOfWicket{{Wicket: 2, Score: 49, Batter: "Kohli"}}, diff.Fallen)
	require.Equal(t, cricket.Extras{Wides: 1}, diff.Extras)
	require.Equal(t, 49, diff.Total)

	last, ok := d.Last("m1")
	require.True(t, ok)
	require.Equal(t, 49, last.Total)
}

func TestScorecardDiffer_StaleOncePerPeriod(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	em := &recordingEmitter{}
	d := NewScorecardDiffer(Options{Clock: clk, Emitter: em})
	d.Diff(sampleCard())

	clk.Advance(4 * time.Minute)
	require.Empty(t, d.Stale(clk.Now(), 5*time.Minute))

	clk.Advance(2 * time.Minute)
	stale := d.Stale(clk.Now(), 5*time.Minute)
	require.Len(t, stale, 1)
	require.Equal(t, 6*time.Minute, stale[0].StaleFor)
	require.Empty(t, d.Stale(clk.Now().Add(time.Hour), 5*time.Minute))

	// A change starts a new period.
	changed := sampleCard()
	changed.Total++
	changed.Extras.Byes = 1
	d.Diff(changed)
	clk.Advance(6 * time.Minute)
	require.Len(t, d.Stale(clk.Now(), 5*time.Minute), 1)

	// A later innings closes the earlier one.
	second := sampleCard()
	second.Innings = 2
	d.Diff(second)
	clk.Advance(10 * time.Minute)
	stale = d.Stale(clk.Now(), 5*time.Minute)
	require.Len(t, stale, 1)
	require.Equal(t, 2, stale[0].Innings)
	require.Equal(t, []events.Kind{events.KindInningsStale, events.KindInningsStale, events.KindInningsStale}, em.kinds())

	d.Forget("m1")
	_, ok := d.Last("m1")
	require.False(t, ok)
}
