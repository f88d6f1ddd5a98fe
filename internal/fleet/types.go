package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSnapshotNotFound is returned by SnapshotStore.Load when no usable
// checkpoint exists for a match.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Priority orders tasks in the scheduler. Lower values are served first.
type Priority int

// Supported task priorities.
const (
	PriorityLive Priority = iota
	PriorityImminent
	PriorityCompleted
	PriorityBackground
)

// Priorities lists every priority class in service order.
var Priorities = []Priority{PriorityLive, PriorityImminent, PriorityCompleted, PriorityBackground}

func (p Priority) String() string {
	switch p {
	case PriorityLive:
		return "LIVE"
	case PriorityImminent:
		return "IMMINENT"
	case PriorityCompleted:
		return "COMPLETED"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority accepts the names produced by Priority.String, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for _, p := range Priorities {
		if strings.EqualFold(strings.TrimSpace(s), p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Task is a unit of scrape work for one match.
type Task struct {
	MatchID    string    `json:"match_id"`
	URL        string    `json:"url"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// HealthStatus is the derived health of a single match job.
type HealthStatus string

// Match health values, from best to worst.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailing  HealthStatus = "failing"
	HealthStopping HealthStatus = "stopping"
)

// StateSnapshot is the crash-safe progress marker persisted per match.
type StateSnapshot struct {
	MatchID           string            `json:"match_id" db:"match_id"`
	URL               string            `json:"url,omitempty" db:"url"`
	LastProcessedOver int               `json:"last_processed_over" db:"last_processed_over"`
	LastProcessedBall int               `json:"last_processed_ball" db:"last_processed_ball"`
	LastSequence      int64             `json:"last_sequence" db:"last_sequence"`
	LastScore         int               `json:"last_score" db:"last_score"`
	LastWickets       int               `json:"last_wickets" db:"last_wickets"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"-"`
	SnapshotTimestamp time.Time         `json:"snapshot_timestamp" db:"-"`
}

// Validate rejects snapshots that could not have been produced by a worker.
func (s StateSnapshot) Validate() error {
	if strings.TrimSpace(s.MatchID) == "" {
		return errors.New("match id is required")
	}
	if s.LastProcessedOver < 0 {
		return fmt.Errorf("last processed over %d must be >= 0", s.LastProcessedOver)
	}
	if s.LastProcessedBall < 0 || s.LastProcessedBall > 6 {
		return fmt.Errorf("last processed ball %d must be within 0..6", s.LastProcessedBall)
	}
	if s.LastSequence < 0 {
		return fmt.Errorf("last sequence %d must be >= 0", s.LastSequence)
	}
	if s.LastScore < 0 {
		return fmt.Errorf("last score %d must be >= 0", s.LastScore)
	}
	if s.LastWickets < 0 || s.LastWickets > 10 {
		return fmt.Errorf("last wickets %d must be within 0..10", s.LastWickets)
	}
	return nil
}

// UpdateKind labels the payload carried by an Update.
type UpdateKind string

// Update kinds forwarded to the backend.
const (
	UpdateScore         UpdateKind = "score"
	UpdateBall          UpdateKind = "ball"
	UpdateScorecardDiff UpdateKind = "scorecard_diff"
	UpdateMatchComplete UpdateKind = "match_complete"
)

// Update is one normalized record destined for the backend. Key identifies the
// row for idempotent upserts on the remote side.
type Update struct {
	MatchID    string          `json:"match_id"`
	Kind       UpdateKind      `json:"kind"`
	Key        string          `json:"key"`
	Sequence   int64           `json:"sequence"`
	Body       json.RawMessage `json:"body"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Payload groups the updates produced by one poll cycle of a match.
type Payload struct {
	MatchID string   `json:"match_id"`
	Updates []Update `json:"updates"`
}

// Response is a network response observed by a browser page.
type Response struct {
	URL        string
	Status     int
	MIMEType   string
	Body       []byte
	ReceivedAt time.Time
}

// AuditRecord is one entry of the bounded health/audit ring buffer.
type AuditRecord struct {
	ID        string    `json:"id" db:"id"`
	TS        time.Time `json:"ts" db:"-"`
	Kind      string    `json:"kind" db:"kind"`
	MatchID   string    `json:"match_id,omitempty" db:"match_id"`
	Operation string    `json:"operation,omitempty" db:"operation"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
}
