package dom

import (
	"sync"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
)

// heldRecords keeps captured records of a match until a poll delivers them.
// Captures are drained from the page before the fallible DOM read, so a
// failed read must not lose them.
type heldRecords struct {
	limit int

	mu      sync.Mutex
	matches map[string][]pipeline.Record
}

func newHeldRecords(limit int) *heldRecords {
	return &heldRecords{limit: limit, matches: make(map[string][]pipeline.Record)}
}

// add appends recs and returns how many of the oldest records were dropped
// to stay within the limit.
func (h *heldRecords) add(matchID string, recs []pipeline.Record) int {
	if len(recs) == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	held := append(h.matches[matchID], recs...)
	dropped := 0
	if over := len(held) - h.limit; over > 0 {
		dropped = over
		held = append([]pipeline.Record(nil), held[over:]...)
	}
	h.matches[matchID] = held
	return dropped
}

// take returns and clears the match's records.
func (h *heldRecords) take(matchID string) []pipeline.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.matches[matchID]
	delete(h.matches, matchID)
	return recs
}

func (h *heldRecords) forget(matchID string) {
	h.mu.Lock()
	delete(h.matches, matchID)
	h.mu.Unlock()
}
