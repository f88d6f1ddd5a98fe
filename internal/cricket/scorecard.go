package cricket

import (
	"fmt"
	"strings"
)

// BatterStatus tracks where a batter is in their innings.
type BatterStatus string

// Batter states seen on scorecards.
const (
	BatterYetToBat BatterStatus = "yet_to_bat"
	BatterBatting  BatterStatus = "batting"
	BatterOut      BatterStatus = "out"
	BatterRetired  BatterStatus = "retired"
)

// BatterLine is a single batting row.
type BatterLine struct {
	Name      string       `json:"name"`
	Runs      int          `json:"runs"`
	Balls     int          `json:"balls"`
	Fours     int          `json:"fours"`
	Sixes     int          `json:"sixes"`
	Status    BatterStatus `json:"status"`
	Dismissal string       `json:"dismissal,omitempty"`
}

// BowlerLine is a single bowling row.
type BowlerLine struct {
	Name    string `json:"name"`
	Overs   Overs  `json:"overs"`
	Maidens int    `json:"maidens"`
	Runs    int    `json:"runs"`
	Wickets int    `json:"wickets"`
}

// FallOfWicket records the team score when a wicket fell.
type FallOfWicket struct {
	Wicket int    `json:"wicket"`
	Score  int    `json:"score"`
	Batter string `json:"batter"`
	Overs  Overs  `json:"overs"`
}

// Extras breaks down runs not credited to a batter.
type Extras struct {
	Byes    int `json:"byes"`
	LegByes int `json:"leg_byes"`
	Wides   int `json:"wides"`
	NoBalls int `json:"no_balls"`
	Penalty int `json:"penalty"`
}

// Total sums every extras bucket.
func (e Extras) Total() int {
	return e.Byes + e.LegByes + e.Wides + e.NoBalls + e.Penalty
}

// Sub returns the per-bucket difference e - prev.
func (e Extras) Sub(prev Extras) Extras {
	return Extras{
		Byes:    e.Byes - prev.Byes,
		LegByes: e.LegByes - prev.LegByes,
		Wides:   e.Wides - prev.Wides,
		NoBalls: e.NoBalls - prev.NoBalls,
		Penalty: e.Penalty - prev.Penalty,
	}
}

// IsZero reports whether no bucket is set.
func (e Extras) IsZero() bool {
	return e == Extras{}
}

// Scorecard is the full card for one innings.
type Scorecard struct {
	MatchID       string         `json:"match_id"`
	Innings       int            `json:"innings"`
	Total         int            `json:"total"`
	Wickets       int            `json:"wickets"`
	Batters       []BatterLine   `json:"batters"`
	Bowlers       []BowlerLine   `json:"bowlers"`
	FallOfWickets []FallOfWicket `json:"fall_of_wickets"`
	Extras        Extras         `json:"extras"`
}

// Validate checks structural invariants of a scorecard.
func (s Scorecard) Validate() error {
	if strings.TrimSpace(s.MatchID) == "" {
		return fmt.Errorf("%w: scorecard match id is required", ErrInvalidScore)
	}
	if s.Innings < 1 {
		return fmt.Errorf("%w: innings %d must be >= 1", ErrInvalidScore, s.Innings)
	}
	if s.Wickets < 0 || s.Wickets > 10 {
		return fmt.Errorf("%w: wickets %d must be within 0..10", ErrInvalidScore, s.Wickets)
	}
	if len(s.FallOfWickets) > 10 {
		return fmt.Errorf("%w: %d fall of wicket entries", ErrInvalidScore, len(s.FallOfWickets))
	}
	seen := make(map[string]struct{}, len(s.Batters))
	for _, b := range s.Batters {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("%w: batter without name", ErrInvalidScore)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("%w: duplicate batter %q", ErrInvalidScore, b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Runs < 0 || b.Balls < 0 {
			return fmt.Errorf("%w: batter %q has negative figures", ErrInvalidScore, b.Name)
		}
	}
	return nil
}
