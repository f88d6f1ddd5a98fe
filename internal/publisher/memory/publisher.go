// Package memory contains an in-memory backend for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

type rowKey struct {
	matchID string
	kind    fleet.UpdateKind
	key     string
}

// Publisher records pushed payloads and keeps an upserted view of their
// updates, mirroring how a real backend applies them.
type Publisher struct {
	mu       sync.RWMutex
	payloads []fleet.Payload
	rows     map[rowKey]fleet.Update
	failures []error
	healthy  bool
}

// New returns a healthy memory Publisher.
func New() *Publisher {
	return &Publisher{rows: make(map[rowKey]fleet.Update), healthy: true}
}

// Push records the payload, or returns the next queued failure.
func (p *Publisher) Push(_ context.Context, payload fleet.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return err
	}
	p.payloads = append(p.payloads, payload)
	for _, u := range payload.Updates {
		k := rowKey{matchID: u.MatchID, kind: u.Kind, key: u.Key}
		if prev, ok := p.rows[k]; ok && prev.Sequence > u.Sequence {
			continue
		}
		p.rows[k] = u
	}
	return nil
}

// HealthCheck reports the value set by SetHealthy.
func (p *Publisher) HealthCheck(context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// SetHealthy changes what HealthCheck reports.
func (p *Publisher) SetHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

// FailNext queues errors returned by the following Push calls, in order.
func (p *Publisher) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Payloads returns the recorded pushes.
func (p *Publisher) Payloads() []fleet.Payload {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]fleet.Payload, len(p.payloads))
	copy(out, p.payloads)
	return out
}

// Updates returns the stored updates of matchID with the given kind.
func (p *Publisher) Updates(matchID string, kind fleet.UpdateKind) []fleet.Update {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []fleet.Update
	for k, u := range p.rows {
		if k.matchID == matchID && k.kind == kind {
			out = append(out, u)
		}
	}
	return out
}

// Latest returns the stored row for (matchID, kind, key).
func (p *Publisher) Latest(matchID string, kind fleet.UpdateKind, key string) (fleet.Update, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.rows[rowKey{matchID: matchID, kind: kind, key: key}]
	return u, ok
}
