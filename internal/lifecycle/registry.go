package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// ErrAlreadyRegistered rejects a second context for the same match or URL.
var ErrAlreadyRegistered = errors.New("match already registered")

// Registry indexes running jobs by match id and by URL.
type Registry struct {
	clock fleet.Clock

	mu    sync.RWMutex
	byID  map[string]*Context
	byURL map[string]*Context
}

// NewRegistry returns an empty Registry.
func NewRegistry(clk fleet.Clock) *Registry {
	if clk == nil {
		clk = system.New()
	}
	return &Registry{
		clock: clk,
		byID:  make(map[string]*Context),
		byURL: make(map[string]*Context),
	}
}

// Register adds c. Neither its match id nor its URL may be in use.
func (r *Registry) Register(c *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.matchID]; ok {
		return fmt.Errorf("register %s: %w", c.matchID, ErrAlreadyRegistered)
	}
	if other, ok := r.byURL[c.url]; ok {
		return fmt.Errorf("register %s: url in use by %s: %w", c.matchID, other.matchID, ErrAlreadyRegistered)
	}
	r.byID[c.matchID] = c
	r.byURL[c.url] = c
	return nil
}

// Get returns the context for matchID.
func (r *Registry) Get(matchID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[matchID]
	return c, ok
}

// GetByURL returns the context polling url.
func (r *Registry) GetByURL(url string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byURL[url]
	return c, ok
}

// Remove drops matchID from both indexes. It only removes c when c is still
// the registered context, so a restarted job is not unregistered by its
// predecessor.
func (r *Registry) Remove(c *Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[c.matchID]
	if !ok || current != c {
		return false
	}
	delete(r.byID, c.matchID)
	if r.byURL[c.url] == c {
		delete(r.byURL, c.url)
	}
	return true
}

// List returns every registered context ordered by match id.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	out := make([]*Context, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].matchID < out[j].matchID })
	return out
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// HealthPayload is the per-match health surface.
type HealthPayload struct {
	Timestamp time.Time                  `json:"timestamp"`
	Total     int                        `json:"total"`
	Counts    map[fleet.HealthStatus]int `json:"counts"`
	Matches   []State                    `json:"matches"`
	Issues    []string                   `json:"issues"`
	Warnings  []string                   `json:"warnings"`
}

// HealthPayload reports every match's state plus aggregate counts. Failing
// matches and pending restarts are issues; degraded matches are warnings.
func (r *Registry) HealthPayload() HealthPayload {
	contexts := r.List()
	payload := HealthPayload{
		Timestamp: r.clock.Now(),
		Total:     len(contexts),
		Counts: map[fleet.HealthStatus]int{
			fleet.HealthHealthy:  0,
			fleet.HealthDegraded: 0,
			fleet.HealthFailing:  0,
			fleet.HealthStopping: 0,
		},
		Matches:  make([]State, 0, len(contexts)),
		Issues:   []string{},
		Warnings: []string{},
	}
	for _, c := range contexts {
		st := c.State()
		payload.Matches = append(payload.Matches, st)
		payload.Counts[st.Status]++
		switch st.Status {
		case fleet.HealthFailing:
			payload.Issues = append(payload.Issues, fmt.Sprintf(
				"match %s failing: %d errors, stale for %s", st.MatchID, st.ErrorCount, st.Staleness.Round(time.Second)))
		case fleet.HealthDegraded:
			payload.Warnings = append(payload.Warnings, fmt.Sprintf(
				"match %s degraded: %d errors, stale for %s", st.MatchID, st.ErrorCount, st.Staleness.Round(time.Second)))
		}
		if st.RestartRequested {
			payload.Issues = append(payload.Issues, fmt.Sprintf("match %s restarting: %s", st.MatchID, st.RestartReason))
		}
	}
	return payload
}
