package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies what happened.
type Kind string

// Event kinds emitted by the fleet.
const (
	KindRetryAttempt      Kind = "RETRY_ATTEMPT"
	KindBreakerTransition Kind = "BREAKER_TRANSITION"
	KindHealthChange      Kind = "HEALTH_CHANGE"
	KindRestartRequested  Kind = "RESTART_REQUESTED"
	KindGapDetected       Kind = "GAP_DETECTED"
	KindGapRecovered      Kind = "GAP_RECOVERED"
	KindInningsStale      Kind = "INNINGS_STALE"
	KindPoolEviction      Kind = "POOL_EVICTION"
	KindTaskRejected      Kind = "TASK_REJECTED"
	KindUpdatePushed      Kind = "UPDATE_PUSHED"
	KindFleetHealth       Kind = "FLEET_HEALTH"
	KindWatchdogTrip      Kind = "WATCHDOG_TRIP"
	KindOrphanSweep       Kind = "ORPHAN_SWEEP"
)

// Event is a single observability record. Fields that do not apply to a kind
// stay zero.
type Event struct {
	// ID is assigned by the Hub when left empty.
	ID [16]byte
	// TS is the time the emitter observed the occurrence.
	TS   time.Time
	Kind Kind
	// MatchID scopes the event to one match, when applicable.
	MatchID string
	// Operation names the dependency, pool, or call site involved.
	Operation string
	// From and To carry state transitions (breaker states, health statuses).
	From string
	To   string
	// Attempt is the 1-based retry attempt index.
	Attempt int
	// Delay is the backoff computed before the next attempt.
	Delay time.Duration
	// Dur measures the operation latency.
	Dur time.Duration
	// Value carries a kind-specific magnitude (gap size, killed processes, ...).
	Value int64
	// Note holds low-volume context such as an error string or restart reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRetryAttempt:
		if e.Operation == "" || e.Attempt < 1 {
			return errors.New("retry attempt requires operation and attempt >= 1")
		}
	case KindBreakerTransition:
		if e.Operation == "" || e.From == "" || e.To == "" {
			return errors.New("breaker transition requires operation, from and to")
		}
	case KindHealthChange, KindRestartRequested:
		if e.MatchID == "" {
			return fmt.Errorf("%s requires match id", e.Kind)
		}
	case KindGapDetected, KindGapRecovered, KindInningsStale:
		if e.MatchID == "" {
			return fmt.Errorf("%s requires match id", e.Kind)
		}
	case KindPoolEviction:
		if e.Operation == "" {
			return errors.New("pool eviction requires pool name")
		}
	case KindTaskRejected, KindUpdatePushed, KindFleetHealth, KindWatchdogTrip, KindOrphanSweep:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 || e.Delay < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}
