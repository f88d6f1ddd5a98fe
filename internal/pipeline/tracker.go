package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

// Cursor is the last ball a tracker accepted for a match.
type Cursor struct {
	LastSequence    int64              `json:"last_sequence"`
	LastBall        cricket.BallNumber `json:"last_ball"`
	ConsecutiveGaps int                `json:"consecutive_gaps"`
}

// Observation describes how one ball relates to the match's cursor.
type Observation struct {
	MatchID  string
	Sequence int64
	Ball     cricket.BallNumber
	// Gap is the number of missing updates before this ball.
	Gap int
	// GapDetected is true when Gap reached the alert threshold. It describes
	// this ball only and is not carried to the next one.
	GapDetected bool
	// Recovered marks the first clean ball after one or more gaps.
	Recovered bool
	// Stale marks a duplicate or older ball; the cursor did not move.
	Stale bool
}

// BallTracker keeps a per-match cursor and reports gaps in the ball stream.
type BallTracker struct {
	threshold int
	opts      Options

	mu      sync.Mutex
	cursors map[string]*Cursor
}

// NewBallTracker alerts on gaps of at least threshold missing updates.
func NewBallTracker(threshold int, opts Options) *BallTracker {
	if threshold < 1 {
		threshold = 1
	}
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.Named("ball_tracker")
	return &BallTracker{
		threshold: threshold,
		opts:      opts,
		cursors:   make(map[string]*Cursor),
	}
}

// Observe checks ev against the cursor and advances it. The sequence number
// is checked first; a contiguous sequence still reports skipped deliveries.
func (t *BallTracker) Observe(ev cricket.BallEvent) Observation {
	obs := Observation{MatchID: ev.MatchID, Sequence: ev.Sequence, Ball: ev.Ball}

	t.mu.Lock()
	cur, ok := t.cursors[ev.MatchID]
	if !ok {
		t.cursors[ev.MatchID] = &Cursor{LastSequence: ev.Sequence, LastBall: ev.Ball}
		t.mu.Unlock()
		return obs
	}
	if ev.Sequence <= cur.LastSequence {
		t.mu.Unlock()
		obs.Stale = true
		return obs
	}
	gap := int(ev.Sequence - cur.LastSequence - 1)
	if gap == 0 && !cur.LastBall.IsZero() {
		gap = cricket.BallGap(cur.LastBall, ev.Ball)
	}
	obs.Gap = gap
	prev := cur.LastBall
	cur.LastSequence = ev.Sequence
	cur.LastBall = ev.Ball
	switch {
	case gap >= t.threshold:
		obs.GapDetected = true
		cur.ConsecutiveGaps++
	case cur.ConsecutiveGaps > 0:
		obs.Recovered = true
		cur.ConsecutiveGaps = 0
	}
	consecutive := cur.ConsecutiveGaps
	t.mu.Unlock()

	now := t.opts.Clock.Now()
	switch {
	case obs.GapDetected:
		t.opts.Logger.Warn("ball gap detected",
			zap.String("match_id", ev.MatchID),
			zap.Stringer("from", prev),
			zap.Stringer("to", ev.Ball),
			zap.Int("gap", gap),
			zap.Int("consecutive_gaps", consecutive),
		)
		t.opts.Emitter.Emit(events.Event{
			TS:      now,
			Kind:    events.KindGapDetected,
			MatchID: ev.MatchID,
			From:    prev.String(),
			To:      ev.Ball.String(),
			Value:   int64(gap),
		})
	case obs.Recovered:
		t.opts.Emitter.Emit(events.Event{
			TS:      now,
			Kind:    events.KindGapRecovered,
			MatchID: ev.MatchID,
			To:      ev.Ball.String(),
		})
	}
	return obs
}

// Seed positions the cursor from a checkpoint without emitting anything.
func (t *BallTracker) Seed(matchID string, sequence int64, ball cricket.BallNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[matchID] = &Cursor{LastSequence: sequence, LastBall: ball}
}

// Cursor returns a copy of the match's cursor.
func (t *BallTracker) Cursor(matchID string) (Cursor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.cursors[matchID]
	if !ok {
		return Cursor{}, false
	}
	return *cur, true
}

// Reset forgets the match.
func (t *BallTracker) Reset(matchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, matchID)
}
