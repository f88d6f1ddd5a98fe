package pipeline

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

// BatterDelta is the change to one batting row.
type BatterDelta struct {
	Name      string               `json:"name"`
	Runs      int                  `json:"runs"`
	Balls     int                  `json:"balls"`
	Fours     int                  `json:"fours"`
	Sixes     int                  `json:"sixes"`
	From      cricket.BatterStatus `json:"from,omitempty"`
	To        cricket.BatterStatus `json:"to,omitempty"`
	Dismissal string               `json:"dismissal,omitempty"`
}

// BowlerDelta is the change to one bowling row. Balls counts legal
// deliveries added.
type BowlerDelta struct {
	Name    string `json:"name"`
	Balls   int    `json:"balls"`
	Maidens int    `json:"maidens"`
	Runs    int    `json:"runs"`
	Wickets int    `json:"wickets"`
}

// ScorecardDiff is the minimal change between two scorecards of an innings.
type ScorecardDiff struct {
	MatchID  string                 `json:"match_id"`
	Innings  int                    `json:"innings"`
	Total    int                    `json:"total"`
	Wickets  int                    `json:"wickets"`
	Batters  []BatterDelta          `json:"batters,omitempty"`
	Bowlers  []BowlerDelta          `json:"bowlers,omitempty"`
	Fallen   []cricket.FallOfWicket `json:"fall_of_wickets,omitempty"`
	Extras   cricket.Extras         `json:"extras"`
	Baseline bool                   `json:"baseline"`
}

// Empty reports whether nothing changed.
func (d ScorecardDiff) Empty() bool {
	return len(d.Batters) == 0 && len(d.Bowlers) == 0 && len(d.Fallen) == 0 && d.Extras.IsZero()
}

// StaleInnings is an innings whose card stopped changing.
type StaleInnings struct {
	MatchID     string        `json:"match_id"`
	Innings     int           `json:"innings"`
	LastChanged time.Time     `json:"last_changed"`
	StaleFor    time.Duration `json:"stale_for"`
}

type inningsKey struct {
	matchID string
	innings int
}

type inningsState struct {
	card      cricket.Scorecard
	changedAt time.Time
	reported  bool
	closed    bool
}

// ScorecardDiffer remembers the last card per innings and reports only what
// changed.
type ScorecardDiffer struct {
	opts Options

	mu   sync.Mutex
	last map[inningsKey]*inningsState
}

// NewScorecardDiffer returns an empty differ.
func NewScorecardDiffer(opts Options) *ScorecardDiffer {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.Named("scorecard_differ")
	return &ScorecardDiffer{opts: opts, last: make(map[inningsKey]*inningsState)}
}

// Diff compares cur with the previous card of the same innings. The first
// card of an innings is returned whole with Baseline set. Earlier innings of
// the match stop being tracked for staleness.
func (d *ScorecardDiffer) Diff(cur cricket.Scorecard) ScorecardDiff {
	now := d.opts.Clock.Now()
	key := inningsKey{matchID: cur.MatchID, innings: cur.Innings}

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, st := range d.last {
		if k.matchID == cur.MatchID && k.innings < cur.Innings {
			st.closed = true
		}
	}
	prev, ok := d.last[key]
	var diff ScorecardDiff
	if ok {
		diff = diffCards(prev.card, cur)
	} else {
		diff = diffCards(cricket.Scorecard{MatchID: cur.MatchID, Innings: cur.Innings}, cur)
		diff.Baseline = true
	}
	if !ok || !diff.Empty() {
		d.last[key] = &inningsState{card: cloneCard(cur), changedAt: now}
	}
	return diff
}

// Stale lists open innings unchanged for at least after. Each innings is
// reported once per stale period and emits one event.
func (d *ScorecardDiffer) Stale(now time.Time, after time.Duration) []StaleInnings {
	d.mu.Lock()
	var out []StaleInnings
	for k, st := range d.last {
		if st.closed || st.reported || now.Sub(st.changedAt) < after {
			continue
		}
		st.reported = true
		out = append(out, StaleInnings{
			MatchID:     k.matchID,
			Innings:     k.innings,
			LastChanged: st.changedAt,
			StaleFor:    now.Sub(st.changedAt),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchID != out[j].MatchID {
			return out[i].MatchID < out[j].MatchID
		}
		return out[i].Innings < out[j].Innings
	})
	for _, s := range out {
		d.opts.Logger.Warn("innings scorecard stale",
			zap.String("match_id", s.MatchID),
			zap.Int("innings", s.Innings),
			zap.Duration("stale_for", s.StaleFor),
		)
		d.opts.Emitter.Emit(events.Event{
			TS:      now,
			Kind:    events.KindInningsStale,
			MatchID: s.MatchID,
			Value:   int64(s.Innings),
			Dur:     s.StaleFor,
		})
	}
	return out
}

// Last returns the most recent card seen for the match's latest innings.
func (d *ScorecardDiffer) Last(matchID string) (cricket.Scorecard, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		best  *inningsState
		found bool
	)
	for k, st := range d.last {
		if k.matchID == matchID && (!found || k.innings > best.card.Innings) {
			best, found = st, true
		}
	}
	if !found {
		return cricket.Scorecard{}, false
	}
	return cloneCard(best.card), true
}

// Forget drops every innings of the match.
func (d *ScorecardDiffer) Forget(matchID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.last {
		if k.matchID == matchID {
			delete(d.last, k)
		}
	}
}

func diffCards(prev, cur cricket.Scorecard) ScorecardDiff {
	diff := ScorecardDiff{
		MatchID: cur.MatchID,
		Innings: cur.Innings,
		Total:   cur.Total,
		Wickets: cur.Wickets,
		Extras:  cur.Extras.Sub(prev.Extras),
	}

	prevBatters := make(map[string]cricket.BatterLine, len(prev.Batters))
	for _, b := range prev.Batters {
		prevBatters[b.Name] = b
	}
	for _, b := range cur.Batters {
		p, seen := prevBatters[b.Name]
		delta := BatterDelta{
			Name:  b.Name,
			Runs:  b.Runs - p.Runs,
			Balls: b.Balls - p.Balls,
			Fours: b.Fours - p.Fours,
			Sixes: b.Sixes - p.Sixes,
		}
		if !seen || p.Status != b.Status {
			delta.From, delta.To = p.Status, b.Status
			delta.Dismissal = b.Dismissal
		}
		if delta.Runs != 0 || delta.Balls != 0 || delta.Fours != 0 || delta.Sixes != 0 || delta.To != "" {
			diff.Batters = append(diff.Batters, delta)
		}
	}

	prevBowlers := make(map[string]cricket.BowlerLine, len(prev.Bowlers))
	for _, b := range prev.Bowlers {
		prevBowlers[b.Name] = b
	}
	for _, b := range cur.Bowlers {
		p := prevBowlers[b.Name]
		delta := BowlerDelta{
			Name:    b.Name,
			Balls:   b.Overs.TotalBalls() - p.Overs.TotalBalls(),
			Maidens: b.Maidens - p.Maidens,
			Runs:    b.Runs - p.Runs,
			Wickets: b.Wickets - p.Wickets,
		}
		if delta != (BowlerDelta{Name: b.Name}) {
			diff.Bowlers = append(diff.Bowlers, delta)
		}
	}

	known := make(map[int]struct{}, len(prev.FallOfWickets))
	for _, f := range prev.FallOfWickets {
		known[f.Wicket] = struct{}{}
	}
	for _, f := range cur.FallOfWickets {
		if _, ok := known[f.Wicket]; !ok {
			diff.Fallen = append(diff.Fallen, f)
		}
	}
	return diff
}

func cloneCard(c cricket.Scorecard) cricket.Scorecard {
	c.Batters = append([]cricket.BatterLine(nil), c.Batters...)
	c.Bowlers = append([]cricket.BowlerLine(nil), c.Bowlers...)
	c.FallOfWickets = append([]cricket.FallOfWicket(nil), c.FallOfWickets...)
	return c
}
