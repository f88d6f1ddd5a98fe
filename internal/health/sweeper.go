package health

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// SweeperConfig selects which processes count as orphans.
type SweeperConfig struct {
	ProcessName string        `mapstructure:"process_name"`
	MinAge      time.Duration `mapstructure:"orphan_min_age"`
	Schedule    string        `mapstructure:"orphan_sweep_schedule"`
}

// SweeperOptions carries optional collaborators for NewOrphanSweeper.
type SweeperOptions struct {
	Clock   fleet.Clock
	Emitter events.Emitter
	Logger  *zap.Logger
}

// OrphanSweeper kills browser processes that outlived the browser that
// started them. It only ever kills processes it earlier saw inside the
// fleet's own process tree, so same-named processes of other users are safe.
type OrphanSweeper struct {
	cfg     SweeperConfig
	owned   func() []int
	table   processTable
	self    int32
	clock   fleet.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu sync.Mutex
	// spawned maps pids seen under this process or an owned browser to their
	// creation time, which guards against pid reuse.
	spawned map[int32]time.Time
}

// NewOrphanSweeper builds a sweeper. owned lists the pids of live
// fleet-owned browsers; their descendants are never touched.
func NewOrphanSweeper(cfg SweeperConfig, owned func() []int, opts SweeperOptions) (*OrphanSweeper, error) {
	if cfg.ProcessName == "" {
		return nil, errors.New("orphan sweeper requires a process name")
	}
	if owned == nil {
		owned = func() []int { return nil }
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &OrphanSweeper{
		cfg:     cfg,
		owned:   owned,
		table:   gopsutilTable{},
		self:    int32(os.Getpid()),
		clock:   opts.Clock,
		emitter: events.OrNop(opts.Emitter),
		logger:  opts.Logger.Named("orphan_sweeper"),
		spawned: make(map[int32]time.Time),
	}, nil
}

// Sweep kills every orphan it finds and returns how many it killed.
// A process is an orphan when its name matches, an earlier sweep saw it under
// this process or a live browser, it has since left that tree, and it is at
// least MinAge old. Descendants of an orphan are orphans too.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	procs, err := s.table.List(ctx)
	if err != nil {
		return 0, err
	}
	protected := map[int32]struct{}{s.self: {}}
	roots := []int32{s.self}
	for _, pid := range s.owned() {
		if pid > 0 {
			roots = append(roots, int32(pid))
			protected[int32(pid)] = struct{}{}
		}
	}
	for _, p := range descendants(procs, roots...) {
		protected[p.PID] = struct{}{}
	}
	orphans := s.orphans(procs, protected)

	now := s.clock.Now()
	found, killed := 0, 0
	for _, p := range orphans {
		if !p.Created.IsZero() && now.Sub(p.Created) < s.cfg.MinAge {
			continue
		}
		found++
		if err := s.table.Kill(ctx, p.PID); err != nil {
			s.logger.Warn("kill orphan failed", zap.Int32("pid", p.PID), zap.String("name", p.Name), zap.Error(err))
			continue
		}
		killed++
		s.forget(p.PID)
		s.logger.Info("orphan process killed",
			zap.Int32("pid", p.PID),
			zap.Int32("ppid", p.PPID),
			zap.String("name", p.Name),
		)
	}
	if found > 0 {
		s.emitter.Emit(events.Event{
			TS:        now,
			Kind:      events.KindOrphanSweep,
			Operation: s.cfg.ProcessName,
			Value:     int64(killed),
		})
	}
	return killed, nil
}

// orphans records matching processes in the fleet tree and returns recorded
// ones that left it, plus their matching descendants. Records of exited
// processes are dropped.
func (s *OrphanSweeper) orphans(procs []procInfo, protected map[int32]struct{}) []procInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[int32]struct{}, len(procs))
	var roots []int32
	var out []procInfo
	seen := make(map[int32]struct{})
	for _, p := range procs {
		live[p.PID] = struct{}{}
		if !nameMatches(p.Name, s.cfg.ProcessName) {
			continue
		}
		if _, ok := protected[p.PID]; ok {
			if p.PID != s.self {
				s.spawned[p.PID] = p.Created
			}
			continue
		}
		created, ok := s.spawned[p.PID]
		if !ok {
			continue
		}
		if !created.Equal(p.Created) {
			delete(s.spawned, p.PID)
			continue
		}
		roots = append(roots, p.PID)
		seen[p.PID] = struct{}{}
		out = append(out, p)
	}
	for pid := range s.spawned {
		if _, ok := live[pid]; !ok {
			delete(s.spawned, pid)
		}
	}
	for _, p := range descendants(procs, roots...) {
		if _, ok := seen[p.PID]; ok {
			continue
		}
		if _, ok := protected[p.PID]; ok || !nameMatches(p.Name, s.cfg.ProcessName) {
			continue
		}
		seen[p.PID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (s *OrphanSweeper) forget(pid int32) {
	s.mu.Lock()
	delete(s.spawned, pid)
	s.mu.Unlock()
}
