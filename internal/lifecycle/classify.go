// Package lifecycle tracks per-match job state, derives match health from it,
// and decides when a job should be restarted.
package lifecycle

import (
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Thresholds grade a match's counters into a health status.
type Thresholds struct {
	DegradedErrors    int           `mapstructure:"degraded_errors"`
	FailingErrors     int           `mapstructure:"failing_errors"`
	DegradedStaleness time.Duration `mapstructure:"degraded_staleness"`
	FailingStaleness  time.Duration `mapstructure:"failing_staleness"`
	MemoryHardLimit   uint64        `mapstructure:"memory_hard_limit_bytes"`
}

// Signals are the inputs to Classify.
type Signals struct {
	Stopping    bool
	ErrorCount  int
	Staleness   time.Duration
	MemoryBytes uint64
}

// Classify maps signals to a status. Zero thresholds are disabled.
func Classify(s Signals, t Thresholds) fleet.HealthStatus {
	switch {
	case s.Stopping:
		return fleet.HealthStopping
	case t.MemoryHardLimit > 0 && s.MemoryBytes > t.MemoryHardLimit,
		t.FailingErrors > 0 && s.ErrorCount >= t.FailingErrors,
		t.FailingStaleness > 0 && s.Staleness >= t.FailingStaleness:
		return fleet.HealthFailing
	case t.DegradedErrors > 0 && s.ErrorCount >= t.DegradedErrors,
		t.DegradedStaleness > 0 && s.Staleness >= t.DegradedStaleness:
		return fleet.HealthDegraded
	default:
		return fleet.HealthHealthy
	}
}
