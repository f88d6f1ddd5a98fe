package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Scheduler is the subset of scheduler.Scheduler the Feed drives.
type Scheduler interface {
	Requeue(task fleet.Task) error
	Next(ctx context.Context) (fleet.Task, error)
	Done(matchID string)
}

// Feed sits between the scheduler and the dispatcher. Restarted matches are
// held until the dispatcher reports their previous run done, then requeued
// past admission control, so they never collide with their own
// de-duplication slot and a busy queue cannot strand them.
type Feed struct {
	sched  Scheduler
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]fleet.Task
}

// NewFeed wraps sched.
func NewFeed(sched Scheduler, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{sched: sched, logger: logger.Named("feed"), pending: make(map[string]fleet.Task)}
}

// Next implements dispatcher.Source.
func (f *Feed) Next(ctx context.Context) (fleet.Task, error) {
	return f.sched.Next(ctx)
}

// Done implements dispatcher.Source and releases any held restart.
func (f *Feed) Done(matchID string) {
	f.sched.Done(matchID)
	f.mu.Lock()
	task, ok := f.pending[matchID]
	delete(f.pending, matchID)
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := f.sched.Requeue(task); err != nil {
		f.logger.Warn("requeue failed",
			zap.String("match_id", task.MatchID),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err),
		)
	}
}

// Requeue holds task until its match is reported done. It is meant for
// Options.Requeue.
func (f *Feed) Requeue(task fleet.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[task.MatchID] = task
}
