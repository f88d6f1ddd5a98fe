package pipeline

import (
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
)

// Batch is what a match has ready to deliver.
type Batch struct {
	MatchID string
	// Score is the newest undelivered snapshot, if any.
	Score *cricket.ScoreSnapshot
	// Balls are every undelivered ball in ascending sequence.
	Balls []cricket.BallEvent
}

// Empty reports whether there is nothing to deliver.
func (b Batch) Empty() bool {
	return b.Score == nil && len(b.Balls) == 0
}

// LastSequence is the highest sequence in the batch, or 0 when empty.
func (b Batch) LastSequence() int64 {
	var last int64
	if b.Score != nil {
		last = b.Score.Sequence
	}
	if n := len(b.Balls); n > 0 && b.Balls[n-1].Sequence > last {
		last = b.Balls[n-1].Sequence
	}
	return last
}

type matchQueue struct {
	scoreDelivered int64
	ballDelivered  int64
	score          *cricket.ScoreSnapshot
	balls          map[int64]cricket.BallEvent
}

// UpdateSequencer collapses score snapshots to the latest one but keeps every
// distinct ball.
type UpdateSequencer struct {
	mu      sync.Mutex
	matches map[string]*matchQueue
}

// NewUpdateSequencer returns an empty sequencer.
func NewUpdateSequencer() *UpdateSequencer {
	return &UpdateSequencer{matches: make(map[string]*matchQueue)}
}

func (s *UpdateSequencer) queueLocked(matchID string) *matchQueue {
	q, ok := s.matches[matchID]
	if !ok {
		q = &matchQueue{balls: make(map[int64]cricket.BallEvent)}
		s.matches[matchID] = q
	}
	return q
}

// OfferSnapshot replaces the pending snapshot when snap is newer. It reports
// whether snap was kept.
func (s *UpdateSequencer) OfferSnapshot(snap cricket.ScoreSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(snap.MatchID)
	if snap.Sequence <= q.scoreDelivered {
		return false
	}
	if q.score != nil && snap.Sequence <= q.score.Sequence {
		return false
	}
	q.score = &snap
	return true
}

// OfferBall queues ev unless its sequence was already delivered or is
// already pending.
func (s *UpdateSequencer) OfferBall(ev cricket.BallEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(ev.MatchID)
	if ev.Sequence <= q.ballDelivered {
		return false
	}
	if _, dup := q.balls[ev.Sequence]; dup {
		return false
	}
	q.balls[ev.Sequence] = ev
	return true
}

// Pending returns the deliverable batch without consuming it.
func (s *UpdateSequencer) Pending(matchID string) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := Batch{MatchID: matchID}
	q, ok := s.matches[matchID]
	if !ok {
		return batch
	}
	if q.score != nil {
		snap := *q.score
		batch.Score = &snap
	}
	batch.Balls = make([]cricket.BallEvent, 0, len(q.balls))
	for _, ev := range q.balls {
		batch.Balls = append(batch.Balls, ev)
	}
	sort.Slice(batch.Balls, func(i, j int) bool { return batch.Balls[i].Sequence < batch.Balls[j].Sequence })
	return batch
}

// Commit marks batch delivered. Newer updates offered since Pending stay
// queued.
func (s *UpdateSequencer) Commit(batch Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(batch.MatchID)
	if batch.Score != nil {
		if batch.Score.Sequence > q.scoreDelivered {
			q.scoreDelivered = batch.Score.Sequence
		}
		if q.score != nil && q.score.Sequence <= q.scoreDelivered {
			q.score = nil
		}
	}
	for _, ev := range batch.Balls {
		if ev.Sequence > q.ballDelivered {
			q.ballDelivered = ev.Sequence
		}
	}
	for seq := range q.balls {
		if seq <= q.ballDelivered {
			delete(q.balls, seq)
		}
	}
}

// Drain returns the pending batch and marks it delivered.
func (s *UpdateSequencer) Drain(matchID string) Batch {
	batch := s.Pending(matchID)
	s.Commit(batch)
	return batch
}

// Resume raises the delivered watermarks to lastSequence, typically from a
// checkpoint, and drops anything pending at or below it.
func (s *UpdateSequencer) Resume(matchID string, lastSequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(matchID)
	if lastSequence > q.scoreDelivered {
		q.scoreDelivered = lastSequence
	}
	if lastSequence > q.ballDelivered {
		q.ballDelivered = lastSequence
	}
	if q.score != nil && q.score.Sequence <= q.scoreDelivered {
		q.score = nil
	}
	for seq := range q.balls {
		if seq <= q.ballDelivered {
			delete(q.balls, seq)
		}
	}
}

// Watermark returns the highest delivered sequence for the match.
func (s *UpdateSequencer) Watermark(matchID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.matches[matchID]
	if !ok {
		return 0
	}
	if q.ballDelivered > q.scoreDelivered {
		return q.ballDelivered
	}
	return q.scoreDelivered
}

// Forget drops all state for the match.
func (s *UpdateSequencer) Forget(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, matchID)
}
