package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Restart reasons reported by ShouldRestart.
const (
	ReasonLifetime = "max_lifetime_exceeded"
	ReasonStale    = "staleness_exceeded"
	ReasonErrors   = "consecutive_errors_exceeded"
	ReasonMemory   = "memory_exceeded"
)

// RestartPolicy bounds how long a job may run before it is recycled.
type RestartPolicy struct {
	MaxLifetime          time.Duration `mapstructure:"max_lifetime"`
	MaxStaleness         time.Duration `mapstructure:"max_staleness"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	MaxMemoryBytes       uint64        `mapstructure:"max_memory_bytes"`
	RestartGrace         time.Duration `mapstructure:"restart_grace"`
}

// Config combines health thresholds and restart policy.
type Config struct {
	Thresholds     `mapstructure:",squash"`
	RestartPolicy  `mapstructure:",squash"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Options carries optional collaborators for NewContext.
type Options struct {
	Clock   fleet.Clock
	Emitter events.Emitter
	Logger  *zap.Logger
}

// Context is the mutable state of one running match job. Health is always
// derived from its counters and never stored.
type Context struct {
	matchID string
	url     string
	cfg     Config
	clock   fleet.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu                sync.Mutex
	startTime         time.Time
	lastUpdate        time.Time
	errorCount        int
	consecutiveErrors int
	lastError         string
	memoryBytes       uint64
	totalPIDs         int
	pollingInterval   time.Duration
	restartRequested  bool
	restartReason     string
	restartDeadline   time.Time
	stopping          bool
	lastHealth        fleet.HealthStatus
	done              chan struct{}
}

// NewContext starts tracking a job for matchID.
func NewContext(matchID, url string, cfg Config, opts Options) *Context {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	now := opts.Clock.Now()
	return &Context{
		matchID:    matchID,
		url:        url,
		cfg:        cfg,
		clock:      opts.Clock,
		emitter:    events.OrNop(opts.Emitter),
		logger:     opts.Logger.With(zap.String("match_id", matchID)),
		startTime:  now,
		lastUpdate: now,
		lastHealth: fleet.HealthHealthy,
		done:       make(chan struct{}),
	}
}

// MatchID returns the match this context tracks.
func (c *Context) MatchID() string { return c.matchID }

// URL returns the page or endpoint being polled.
func (c *Context) URL() string { return c.url }

// RecordUpdate notes fresh data and clears the error counters.
func (c *Context) RecordUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdate = c.clock.Now()
	c.errorCount = 0
	c.consecutiveErrors = 0
	c.lastError = ""
}

// RecordSuccess notes a poll that worked but brought nothing new. It ends an
// error streak without touching staleness or the health error count.
func (c *Context) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
}

// RecordError counts a failed poll.
func (c *Context) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.consecutiveErrors++
	if err != nil {
		c.lastError = err.Error()
	}
}

// SampleResources records the latest memory and process samples.
func (c *Context) SampleResources(memoryBytes uint64, totalPIDs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryBytes = memoryBytes
	c.totalPIDs = totalPIDs
}

// SetPollingInterval records the current cadence.
func (c *Context) SetPollingInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollingInterval = d
}

// ConsecutiveErrors returns the current error streak.
func (c *Context) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// Health classifies the current counters, emitting an event when the status
// differs from the last one observed.
func (c *Context) Health() fleet.HealthStatus {
	c.mu.Lock()
	now := c.clock.Now()
	status := Classify(c.signalsLocked(now), c.cfg.Thresholds)
	prev := c.lastHealth
	c.lastHealth = status
	c.mu.Unlock()

	if status != prev {
		c.logger.Info("match health changed",
			zap.String("status", string(status)),
			zap.String("previous", string(prev)),
		)
		c.emitter.Emit(events.Event{
			TS:      now,
			Kind:    events.KindHealthChange,
			MatchID: c.matchID,
			From:    string(prev),
			To:      string(status),
		})
	}
	return status
}

// ShouldRestart reports whether the job has outlived its restart policy.
// It never asks for a restart once shutdown is under way.
func (c *Context) ShouldRestart() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false, ""
	}
	now := c.clock.Now()
	p := c.cfg.RestartPolicy
	switch {
	case p.MaxLifetime > 0 && now.Sub(c.startTime) >= p.MaxLifetime:
		return true, ReasonLifetime
	case p.MaxStaleness > 0 && now.Sub(c.lastUpdate) >= p.MaxStaleness:
		return true, ReasonStale
	case p.MaxConsecutiveErrors > 0 && c.consecutiveErrors >= p.MaxConsecutiveErrors:
		return true, ReasonErrors
	case p.MaxMemoryBytes > 0 && c.memoryBytes > p.MaxMemoryBytes:
		return true, ReasonMemory
	}
	return false, ""
}

// RequestRestart asks the job to stop so it can be started again. Only the
// first request is recorded; it returns false for later ones.
func (c *Context) RequestRestart(reason string) bool {
	c.mu.Lock()
	if c.restartRequested || c.stopping {
		c.mu.Unlock()
		return false
	}
	now := c.clock.Now()
	c.restartRequested = true
	c.restartReason = reason
	c.restartDeadline = now.Add(c.cfg.RestartGrace)
	c.mu.Unlock()

	c.logger.Warn("restart requested", zap.String("reason", reason))
	c.emitter.Emit(events.Event{
		TS:      now,
		Kind:    events.KindRestartRequested,
		MatchID: c.matchID,
		Note:    reason,
	})
	c.RequestShutdown()
	return true
}

// RestartRequested reports the recorded restart request, if any.
func (c *Context) RestartRequested() (bool, string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartRequested, c.restartReason, c.restartDeadline
}

// RequestShutdown stops the job. It is safe to call more than once.
func (c *Context) RequestShutdown() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	close(c.done)
	c.mu.Unlock()
	c.Health()
}

// Done is closed once shutdown has been requested.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// State is a read-only view of a Context for health reporting.
type State struct {
	MatchID           string             `json:"match_id"`
	URL               string             `json:"url"`
	Status            fleet.HealthStatus `json:"status"`
	StartTime         time.Time          `json:"start_time"`
	LastUpdate        time.Time          `json:"last_update_time"`
	Uptime            time.Duration      `json:"uptime_ns"`
	Staleness         time.Duration      `json:"staleness_ns"`
	ErrorCount        int                `json:"error_count"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	LastError         string             `json:"last_error,omitempty"`
	MemoryBytes       uint64             `json:"memory_bytes"`
	TotalPIDs         int                `json:"total_pids"`
	PollingInterval   time.Duration      `json:"polling_interval_ns"`
	RestartRequested  bool               `json:"restart_requested"`
	RestartReason     string             `json:"restart_reason,omitempty"`
	RestartDeadline   time.Time          `json:"restart_deadline,omitempty"`
}

// State captures the current counters with their derived status.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	return State{
		MatchID:           c.matchID,
		URL:               c.url,
		Status:            Classify(c.signalsLocked(now), c.cfg.Thresholds),
		StartTime:         c.startTime,
		LastUpdate:        c.lastUpdate,
		Uptime:            now.Sub(c.startTime),
		Staleness:         now.Sub(c.lastUpdate),
		ErrorCount:        c.errorCount,
		ConsecutiveErrors: c.consecutiveErrors,
		LastError:         c.lastError,
		MemoryBytes:       c.memoryBytes,
		TotalPIDs:         c.totalPIDs,
		PollingInterval:   c.pollingInterval,
		RestartRequested:  c.restartRequested,
		RestartReason:     c.restartReason,
		RestartDeadline:   c.restartDeadline,
	}
}

func (c *Context) signalsLocked(now time.Time) Signals {
	return Signals{
		Stopping:    c.stopping,
		ErrorCount:  c.errorCount,
		Staleness:   now.Sub(c.lastUpdate),
		MemoryBytes: c.memoryBytes,
	}
}
