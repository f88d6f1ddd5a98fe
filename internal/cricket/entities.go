package cricket

import (
	"fmt"
	"math"
	"strings"
)

// Wicket describes a dismissal on a single delivery.
type Wicket struct {
	PlayerOut string `json:"player_out"`
	Kind      string `json:"kind"`
	Bowler    string `json:"bowler,omitempty"`
}

// BallEvent is one delivery. Identity is (MatchID, Sequence).
type BallEvent struct {
	MatchID    string     `json:"match_id"`
	Ball       BallNumber `json:"ball"`
	Runs       int        `json:"runs"`
	Sequence   int64      `json:"sequence"`
	Extras     int        `json:"extras"`
	ExtrasKind string     `json:"extras_kind,omitempty"`
	Wicket     *Wicket    `json:"wicket,omitempty"`
}

// NewBallEvent validates and builds a BallEvent.
func NewBallEvent(matchID string, ball BallNumber, runs int, sequence int64, extras int, wicket *Wicket) (BallEvent, error) {
	if strings.TrimSpace(matchID) == "" {
		return BallEvent{}, fmt.Errorf("%w: match id is required", ErrInvalidBall)
	}
	if _, err := NewBallNumber(ball.Over, ball.Ball); err != nil {
		return BallEvent{}, err
	}
	if runs < 0 || runs > 7 {
		return BallEvent{}, fmt.Errorf("%w: runs %d must be within 0..7", ErrInvalidBall, runs)
	}
	if sequence < 0 {
		return BallEvent{}, fmt.Errorf("%w: sequence %d must be >= 0", ErrInvalidBall, sequence)
	}
	if extras < 0 {
		return BallEvent{}, fmt.Errorf("%w: extras %d must be >= 0", ErrInvalidBall, extras)
	}
	if wicket != nil && strings.TrimSpace(wicket.PlayerOut) == "" {
		return BallEvent{}, fmt.Errorf("%w: wicket without dismissed player", ErrInvalidBall)
	}
	return BallEvent{
		MatchID:  matchID,
		Ball:     ball,
		Runs:     runs,
		Sequence: sequence,
		Extras:   extras,
		Wicket:   wicket,
	}, nil
}

// ScoreSnapshot is the current state of a match. Target and RequiredRate are
// only set in the second innings.
type ScoreSnapshot struct {
	MatchID      string   `json:"match_id"`
	Sequence     int64    `json:"sequence"`
	Innings      int      `json:"innings"`
	Runs         int      `json:"runs"`
	Wickets      int      `json:"wickets"`
	Overs        Overs    `json:"overs"`
	RunRate      float64  `json:"run_rate"`
	Target       *int     `json:"target,omitempty"`
	RequiredRate *float64 `json:"required_rate,omitempty"`
}

// ScoreInput carries the raw values for NewScoreSnapshot.
type ScoreInput struct {
	MatchID      string
	Sequence     int64
	Innings      int
	Runs         int
	Wickets      int
	Overs        Overs
	RunRate      *float64
	Target       *int
	RequiredRate *float64
}

// NewScoreSnapshot validates the input and derives the run rate when the
// provider omitted it.
func NewScoreSnapshot(in ScoreInput) (ScoreSnapshot, error) {
	if strings.TrimSpace(in.MatchID) == "" {
		return ScoreSnapshot{}, fmt.Errorf("%w: match id is required", ErrInvalidScore)
	}
	if in.Runs < 0 {
		return ScoreSnapshot{}, fmt.Errorf("%w: runs %d must be >= 0", ErrInvalidScore, in.Runs)
	}
	if in.Wickets < 0 || in.Wickets > 10 {
		return ScoreSnapshot{}, fmt.Errorf("%w: wickets %d must be within 0..10", ErrInvalidScore, in.Wickets)
	}
	if in.Overs.Completed < 0 || in.Overs.Balls < 0 || in.Overs.Balls >= BallsPerOver {
		return ScoreSnapshot{}, fmt.Errorf("%w: overs %s", ErrInvalidScore, in.Overs)
	}
	if in.Sequence < 0 {
		return ScoreSnapshot{}, fmt.Errorf("%w: sequence %d must be >= 0", ErrInvalidScore, in.Sequence)
	}
	innings := in.Innings
	if innings == 0 {
		innings = 1
	}
	if innings < 1 {
		return ScoreSnapshot{}, fmt.Errorf("%w: innings %d must be >= 1", ErrInvalidScore, innings)
	}
	if innings < 2 && (in.Target != nil || in.RequiredRate != nil) {
		return ScoreSnapshot{}, fmt.Errorf("%w: target is only valid after the first innings", ErrInvalidScore)
	}
	if in.Target != nil && *in.Target < 0 {
		return ScoreSnapshot{}, fmt.Errorf("%w: target %d must be >= 0", ErrInvalidScore, *in.Target)
	}
	snap := ScoreSnapshot{
		MatchID:      in.MatchID,
		Sequence:     in.Sequence,
		Innings:      innings,
		Runs:         in.Runs,
		Wickets:      in.Wickets,
		Overs:        in.Overs,
		Target:       in.Target,
		RequiredRate: in.RequiredRate,
	}
	switch {
	case in.RunRate != nil:
		snap.RunRate = *in.RunRate
	case in.Overs.TotalBalls() > 0:
		snap.RunRate = roundRate(float64(in.Runs) * BallsPerOver / float64(in.Overs.TotalBalls()))
	}
	return snap, nil
}

func roundRate(v float64) float64 {
	return math.Round(v*100) / 100
}
