package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
)

// Status is the aggregate fleet health.
type Status string

// Fleet statuses, from best to worst.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// MatchReporter is implemented by lifecycle.Registry.
type MatchReporter interface {
	HealthPayload() lifecycle.HealthPayload
}

// BreakerReporter is implemented by breaker.Registry.
type BreakerReporter interface {
	Snapshot() []breaker.Stats
}

// BackendChecker is implemented by fleet.Backend.
type BackendChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Report is the fleet health payload.
type Report struct {
	Timestamp      time.Time               `json:"timestamp"`
	Status         Status                  `json:"status"`
	Ready          bool                    `json:"ready"`
	Issues         []string                `json:"issues"`
	Warnings       []string                `json:"warnings"`
	BackendHealthy bool                    `json:"backend_healthy"`
	Breakers       []breaker.Stats         `json:"breakers"`
	Pools          []pool.Stats            `json:"pools"`
	Matches        lifecycle.HealthPayload `json:"matches"`
}

// Options wires the Tracker's sources. Every source is optional.
type Options struct {
	Matches  MatchReporter
	Breakers BreakerReporter
	Pools    []func() pool.Stats
	Backend  BackendChecker
	Clock    fleet.Clock
	Emitter  events.Emitter
	Logger   *zap.Logger
}

// Tracker grades the fleet and remembers the last status it reported.
type Tracker struct {
	opts    Options
	emitter events.Emitter
	logger  *zap.Logger

	mu              sync.Mutex
	last            Status
	unhealthyReason string
}

// NewTracker builds a Tracker that starts out healthy.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		opts:    opts,
		emitter: events.OrNop(opts.Emitter),
		logger:  opts.Logger.Named("health"),
		last:    StatusHealthy,
	}
}

// MarkUnhealthy pins the fleet to unhealthy until the process exits.
func (t *Tracker) MarkUnhealthy(reason string) {
	t.mu.Lock()
	first := t.unhealthyReason == ""
	if first {
		t.unhealthyReason = reason
	}
	t.mu.Unlock()
	if first {
		t.logger.Error("fleet marked unhealthy", zap.String("reason", reason))
		t.transition(StatusUnhealthy, reason)
	}
}

// Ready reports whether the instance should receive traffic.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unhealthyReason == "" && t.last != StatusUnhealthy
}

// Status returns the last computed status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Evaluate gathers every source and grades the fleet. A changed status is
// logged and emitted.
func (t *Tracker) Evaluate(ctx context.Context) Report {
	report := Report{
		Timestamp:      t.opts.Clock.Now(),
		Status:         StatusHealthy,
		Issues:         []string{},
		Warnings:       []string{},
		BackendHealthy: true,
		Breakers:       []breaker.Stats{},
		Pools:          []pool.Stats{},
	}
	degrade := func() {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	if t.opts.Matches != nil {
		payload := t.opts.Matches.HealthPayload()
		report.Matches = payload
		report.Issues = append(report.Issues, payload.Issues...)
		report.Warnings = append(report.Warnings, payload.Warnings...)
		failing := payload.Counts[fleet.HealthFailing]
		switch {
		case payload.Total > 0 && failing*2 > payload.Total:
			report.Status = StatusUnhealthy
			report.Issues = append(report.Issues, fmt.Sprintf("%d of %d matches failing", failing, payload.Total))
		case failing > 0 || payload.Counts[fleet.HealthDegraded] > 0:
			degrade()
		}
	}

	if t.opts.Breakers != nil {
		report.Breakers = t.opts.Breakers.Snapshot()
		for _, b := range report.Breakers {
			switch b.State {
			case breaker.StateOpen.String():
				degrade()
				report.Issues = append(report.Issues, fmt.Sprintf("breaker %s open", b.Name))
			case breaker.StateHalfOpen.String():
				report.Warnings = append(report.Warnings, fmt.Sprintf("breaker %s half-open", b.Name))
			}
		}
	}

	for _, stats := range t.opts.Pools {
		s := stats()
		report.Pools = append(report.Pools, s)
		if s.MaxSize > 0 && s.InUse >= s.MaxSize {
			report.Warnings = append(report.Warnings, fmt.Sprintf("pool %s saturated (%d/%d)", s.Name, s.InUse, s.MaxSize))
		}
	}

	if t.opts.Backend != nil && !t.opts.Backend.HealthCheck(ctx) {
		report.BackendHealthy = false
		degrade()
		report.Issues = append(report.Issues, "backend health check failed")
	}

	t.mu.Lock()
	reason := t.unhealthyReason
	t.mu.Unlock()
	if reason != "" {
		report.Status = StatusUnhealthy
		report.Issues = append(report.Issues, "watchdog: "+reason)
	}

	t.transition(report.Status, fmt.Sprintf("%d issues, %d warnings", len(report.Issues), len(report.Warnings)))
	report.Ready = t.Ready()
	return report
}

func (t *Tracker) transition(to Status, note string) {
	t.mu.Lock()
	from := t.last
	t.last = to
	t.mu.Unlock()
	if from == to {
		return
	}
	t.logger.Info("fleet health changed",
		zap.String("status", string(to)),
		zap.String("previous", string(from)),
	)
	t.emitter.Emit(events.Event{
		TS:   t.opts.Clock.Now(),
		Kind: events.KindFleetHealth,
		From: string(from),
		To:   string(to),
		Note: note,
	})
}
