package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Registry owns one Breaker per dependency name so a failing dependency
// cannot trip calls to another.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	clock     fleet.Clock
	emitter   events.Emitter

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. overrides replaces defaults for specific names.
func NewRegistry(defaults Config, overrides map[string]Config, clk fleet.Clock, emitter events.Emitter) *Registry {
	copied := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		copied[name] = cfg
	}
	return &Registry{
		defaults:  defaults,
		overrides: copied,
		clock:     clk,
		emitter:   emitter,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b := New(name, cfg, r.clock, r.emitter)
	r.breakers[name] = b
	return b
}

// Call runs fn through the breaker for name.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Call(ctx, fn)
}

// Snapshot lists every breaker sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(list))
	for _, b := range list {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
