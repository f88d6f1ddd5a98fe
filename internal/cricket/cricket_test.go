package cricket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBallNumber_ParseAndArithmetic(t *testing.T) {
	t.Parallel()

	b, err := ParseBallNumber("9.4")
	require.NoError(t, err)
	require.Equal(t, BallNumber{Over: 9, Ball: 4}, b)
	require.Equal(t, 58, b.TotalBalls())
	require.Equal(t, "9.4", b.String())

	require.Equal(t, BallNumber{Over: 2, Ball: 1}, BallNumber{Over: 1, Ball: 6}.Next())
	require.Equal(t, BallNumber{Over: 1, Ball: 3}, BallNumber{Over: 1, Ball: 2}.Next())

	fromFloat, err := BallNumberFromFloat(19.6)
	require.NoError(t, err)
	require.Equal(t, BallNumber{Over: 19, Ball: 6}, fromFloat)

	for _, bad := range []string{"9", "9.0", "9.7", "x.1", "-1.2"} {
		_, err := ParseBallNumber(bad)
		require.ErrorIs(t, err, ErrInvalidBall, bad)
	}
}

func TestBallGap(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, BallGap(BallNumber{Over: 1, Ball: 6}, BallNumber{Over: 2, Ball: 1}))
	require.Equal(t, 3, BallGap(BallNumber{Over: 1, Ball: 2}, BallNumber{Over: 1, Ball: 6}))
	require.Equal(t, 0, BallGap(BallNumber{Over: 3, Ball: 2}, BallNumber{Over: 3, Ball: 1}))
}

func TestParseOvers(t *testing.T) {
	t.Parallel()

	o, err := ParseOvers("12.3")
	require.NoError(t, err)
	require.Equal(t, 75, o.TotalBalls())

	o, err = ParseOvers("20")
	require.NoError(t, err)
	require.Equal(t, Overs{Completed: 20}, o)

	_, err = ParseOvers("4.6")
	require.ErrorIs(t, err, ErrInvalidScore)
}

func TestNewBallEvent_Validation(t *testing.T) {
	t.Parallel()

	ball := BallNumber{Over: 0, Ball: 1}
	ev, err := NewBallEvent("m1", ball, 4, 1, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 4, ev.Runs)

	_, err = NewBallEvent("m1", ball, 8, 1, 0, nil)
	require.ErrorIs(t, err, ErrInvalidBall)
	_, err = NewBallEvent("", ball, 1, 1, 0, nil)
	require.ErrorIs(t, err, ErrInvalidBall)
	_, err = NewBallEvent("m1", BallNumber{Over: 1, Ball: 0}, 1, 1, 0, nil)
	require.ErrorIs(t, err, ErrInvalidBall)
	_, err = NewBallEvent("m1", ball, 0, 1, 0, &Wicket{Kind: "bowled"})
	require.ErrorIs(t, err, ErrInvalidBall)
}

func TestNewScoreSnapshot(t *testing.T) {
	t.Parallel()

	snap, err := NewScoreSnapshot(ScoreInput{MatchID: "m1", Runs: 60, Wickets: 2, Overs: Overs{Completed: 10}})
	require.NoError(t, err)
	require.Equal(t, 1, snap.Innings)
	require.InDelta(t, 6.0, snap.RunRate, 0.001)

	_, err = NewScoreSnapshot(ScoreInput{MatchID: "m1", Runs: 60, Wickets: 11})
	require.True(t, errors.Is(err, ErrInvalidScore))

	target := 180
	_, err = NewScoreSnapshot(ScoreInput{MatchID: "m1", Innings: 1, Target: &target})
	require.ErrorIs(t, err, ErrInvalidScore)

	snap, err = NewScoreSnapshot(ScoreInput{MatchID: "m1", Innings: 2, Runs: 20, Target: &target})
	require.NoError(t, err)
	require.Equal(t, 180, *snap.Target)
}

func TestScorecard_Validate(t *testing.T) {
	t.Parallel()

	card := Scorecard{MatchID: "m1", Innings: 1, Batters: []BatterLine{{Name: "A"}, {Name: "B"}}}
	require.NoError(t, card.Validate())

	card.Batters = append(card.Batters, BatterLine{Name: "A"})
	require.ErrorIs(t, card.Validate(), ErrInvalidScore)

	require.Equal(t, 7, Extras{Byes: 1, Wides: 4, NoBalls: 2}.Total())
	require.Equal(t, Extras{Wides: 1}, Extras{Wides: 5}.Sub(Extras{Wides: 4}))
}
