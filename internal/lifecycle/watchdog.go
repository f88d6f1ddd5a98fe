package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// ProcessCounter counts processes owned by this instance.
type ProcessCounter interface {
	Count(ctx context.Context) (int, error)
}

// UnhealthyMarker flips the instance's readiness before it exits.
type UnhealthyMarker interface {
	MarkUnhealthy(reason string)
}

// WatchdogConfig bounds leaked browser processes.
type WatchdogConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxProcesses     int           `mapstructure:"max_processes"`
	Interval         time.Duration `mapstructure:"interval"`
	PropagationDelay time.Duration `mapstructure:"propagation_delay"`
}

// WatchdogOptions carries optional collaborators for NewWatchdog.
type WatchdogOptions struct {
	// Exit terminates the process. Defaults to os.Exit.
	Exit    func(code int)
	Clock   fleet.Clock
	Emitter events.Emitter
	Logger  *zap.Logger
}

// Watchdog exits the process when too many child processes have leaked,
// after giving health checks time to report the instance unhealthy.
type Watchdog struct {
	cfg     WatchdogConfig
	counter ProcessCounter
	marker  UnhealthyMarker
	exit    func(int)
	clock   fleet.Clock
	emitter events.Emitter
	logger  *zap.Logger
}

// NewWatchdog builds a Watchdog.
func NewWatchdog(cfg WatchdogConfig, counter ProcessCounter, marker UnhealthyMarker, opts WatchdogOptions) (*Watchdog, error) {
	if counter == nil || marker == nil {
		return nil, errors.New("watchdog requires a process counter and an unhealthy marker")
	}
	if cfg.MaxProcesses <= 0 {
		return nil, fmt.Errorf("watchdog max processes must be > 0, got %d", cfg.MaxProcesses)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watchdog{
		cfg:     cfg,
		counter: counter,
		marker:  marker,
		exit:    opts.Exit,
		clock:   opts.Clock,
		emitter: events.OrNop(opts.Emitter),
		logger:  opts.Logger.Named("watchdog"),
	}, nil
}

// Run checks every interval until ctx ends or the watchdog trips.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Check(ctx) {
				return
			}
		}
	}
}

// Check counts processes once and reports whether the watchdog tripped.
// A tripped watchdog marks the instance unhealthy, waits the propagation
// delay, and exits with status 1 unless ctx ends first.
func (w *Watchdog) Check(ctx context.Context) bool {
	count, err := w.counter.Count(ctx)
	if err != nil {
		w.logger.Warn("count processes failed", zap.Error(err))
		return false
	}
	if count <= w.cfg.MaxProcesses {
		return false
	}
	reason := fmt.Sprintf("%d processes exceed limit %d", count, w.cfg.MaxProcesses)
	w.marker.MarkUnhealthy(reason)
	w.logger.Error("process watchdog tripped",
		zap.Int("processes", count),
		zap.Int("limit", w.cfg.MaxProcesses),
		zap.Duration("exit_in", w.cfg.PropagationDelay),
	)
	w.emitter.Emit(events.Event{
		TS:    w.clock.Now(),
		Kind:  events.KindWatchdogTrip,
		Value: int64(count),
		Delay: w.cfg.PropagationDelay,
		Note:  reason,
	})

	timer := time.NewTimer(w.cfg.PropagationDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.logger.Info("watchdog exit skipped, shutdown already under way")
		return true
	case <-timer.C:
	}
	w.exit(1)
	return true
}
