// Package memory keeps checkpoints, the audit log, and archived blobs in
// process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// SnapshotStore implements fleet.SnapshotStore and fleet.AuditLog.
type SnapshotStore struct {
	clock    fleet.Clock
	capacity int

	mu        sync.RWMutex
	snapshots map[string]fleet.StateSnapshot
	// audit is a ring; next is the slot the following append writes.
	audit []fleet.AuditRecord
	next  int
	full  bool
	seq   int
}

// NewSnapshotStore creates an empty store holding at most auditCapacity
// audit records.
func NewSnapshotStore(auditCapacity int, clk fleet.Clock) *SnapshotStore {
	if auditCapacity <= 0 {
		auditCapacity = 1000
	}
	if clk == nil {
		clk = system.New()
	}
	return &SnapshotStore{
		clock:     clk,
		capacity:  auditCapacity,
		snapshots: make(map[string]fleet.StateSnapshot),
		audit:     make([]fleet.AuditRecord, auditCapacity),
	}
}

// Save replaces the match's checkpoint.
func (s *SnapshotStore) Save(_ context.Context, snap fleet.StateSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if snap.SnapshotTimestamp.IsZero() {
		snap.SnapshotTimestamp = s.clock.Now()
	}
	snap.Metadata = maps.Clone(snap.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.MatchID] = snap
	return nil
}

// Load returns the match's checkpoint or fleet.ErrSnapshotNotFound.
func (s *SnapshotStore) Load(_ context.Context, matchID string) (fleet.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[matchID]
	if !ok {
		return fleet.StateSnapshot{}, fleet.ErrSnapshotNotFound
	}
	snap.Metadata = maps.Clone(snap.Metadata)
	return snap, nil
}

// Delete removes the match's checkpoint.
func (s *SnapshotStore) Delete(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, matchID)
	return nil
}

// List returns every checkpoint ordered by match id.
func (s *SnapshotStore) List(context.Context) ([]fleet.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.StateSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		snap.Metadata = maps.Clone(snap.Metadata)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out, nil
}

// AppendAudit adds records, overwriting the oldest once full.
func (s *SnapshotStore) AppendAudit(_ context.Context, records ...fleet.AuditRecord) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.seq++
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("audit-%d", s.seq)
		}
		if rec.TS.IsZero() {
			rec.TS = now
		}
		s.audit[s.next] = rec
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// RecentAudit returns up to limit records, newest first.
func (s *SnapshotStore) RecentAudit(_ context.Context, limit int) ([]fleet.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := s.next
	if s.full {
		size = s.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]fleet.AuditRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, s.audit[(s.next-i+s.capacity)%s.capacity])
	}
	return out, nil
}
