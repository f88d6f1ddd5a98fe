// Package scheduler queues match tasks by priority class with per-match
// de-duplication, a capacity bound, and token-bucket admission.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/policy/ratelimit"
)

var (
	// ErrDuplicate rejects a task whose match is already queued or running.
	ErrDuplicate = errors.New("task already queued or running")
	// ErrQueueFull rejects a task when the queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrRateLimited rejects a task when no admission token is available.
	ErrRateLimited = errors.New("task admission rate limited")
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler is closed")
)

// Rejection reasons used in events and metrics.
const (
	ReasonDuplicate   = "duplicate"
	ReasonQueueFull   = "queue_full"
	ReasonRateLimited = "rate_limited"
	ReasonClosed      = "closed"
)

// Config bounds the scheduler.
type Config struct {
	Capacity int `mapstructure:"capacity"`
	// AdmissionRate is the sustained enqueue rate per second. Zero disables
	// admission control.
	AdmissionRate  float64 `mapstructure:"admission_rate"`
	AdmissionBurst int     `mapstructure:"admission_burst"`
}

// Observer receives queue gauges and rejection counts. The depth map must
// not be retained.
type Observer interface {
	ObserveQueue(depth map[fleet.Priority]int, inFlight int)
	ObserveRejection(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveQueue(map[fleet.Priority]int, int) {}
func (nopObserver) ObserveRejection(string)                  {}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	capacity int
	limiter  *ratelimit.Bucket
	clock    fleet.Clock
	emitter  events.Emitter
	observer Observer
	logger   *zap.Logger

	mu         sync.Mutex
	queue      taskHeap
	queued     map[string]*item
	depth      map[fleet.Priority]int
	running    map[string]struct{}
	seq        uint64
	ready      chan struct{}
	closed     bool
	rejections map[string]int64
}

// Options carries optional collaborators for New.
type Options struct {
	Clock    fleet.Clock
	Emitter  events.Emitter
	Observer Observer
	Logger   *zap.Logger
}

// New builds a Scheduler.
func New(cfg Config, opts Options) (*Scheduler, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("scheduler capacity must be > 0, got %d", cfg.Capacity)
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Scheduler{
		capacity:   cfg.Capacity,
		clock:      opts.Clock,
		emitter:    events.OrNop(opts.Emitter),
		observer:   opts.Observer,
		logger:     opts.Logger.Named("scheduler"),
		queued:     make(map[string]*item),
		depth:      make(map[fleet.Priority]int),
		running:    make(map[string]struct{}),
		ready:      make(chan struct{}),
		rejections: make(map[string]int64),
	}
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = cfg.Capacity
		}
		bucket, err := ratelimit.NewBucket(burst, cfg.AdmissionRate, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("scheduler admission bucket: %w", err)
		}
		s.limiter = bucket
	}
	return s, nil
}

// Enqueue queues task or rejects it with ErrDuplicate, ErrQueueFull,
// ErrRateLimited, or ErrClosed.
func (s *Scheduler) Enqueue(task fleet.Task) error {
	return s.enqueue(task, true)
}

// Requeue queues a follow-up run of a match that was already admitted once.
// It skips the capacity bound and the admission bucket, so it only fails
// with ErrDuplicate or ErrClosed.
func (s *Scheduler) Requeue(task fleet.Task) error {
	return s.enqueue(task, false)
}

func (s *Scheduler) enqueue(task fleet.Task, admit bool) error {
	if task.MatchID == "" {
		return errors.New("task requires match id")
	}
	if task.Priority < fleet.PriorityLive || task.Priority > fleet.PriorityBackground {
		return fmt.Errorf("enqueue %s: unknown priority %d", task.MatchID, int(task.Priority))
	}
	s.mu.Lock()
	reason, err := s.checkLocked(task.MatchID, admit)
	if err != nil {
		s.rejections[reason]++
		s.mu.Unlock()
		s.reject(task, reason)
		return fmt.Errorf("enqueue %s: %w", task.MatchID, err)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.clock.Now()
	}
	s.seq++
	it := &item{task: task, seq: s.seq}
	heap.Push(&s.queue, it)
	s.queued[task.MatchID] = it
	s.depth[task.Priority]++
	s.wakeLocked()
	s.observeLocked()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) checkLocked(matchID string, admit bool) (string, error) {
	if s.closed {
		return ReasonClosed, ErrClosed
	}
	if _, ok := s.queued[matchID]; ok {
		return ReasonDuplicate, ErrDuplicate
	}
	if _, ok := s.running[matchID]; ok {
		return ReasonDuplicate, ErrDuplicate
	}
	if !admit {
		return "", nil
	}
	if s.queue.Len() >= s.capacity {
		return ReasonQueueFull, ErrQueueFull
	}
	if s.limiter != nil && !s.limiter.TryConsume(1) {
		return ReasonRateLimited, ErrRateLimited
	}
	return "", nil
}

// Next blocks until a task is available and marks its match as running.
func (s *Scheduler) Next(ctx context.Context) (fleet.Task, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return fleet.Task{}, ErrClosed
		}
		if s.queue.Len() > 0 {
			it := heap.Pop(&s.queue).(*item)
			delete(s.queued, it.task.MatchID)
			s.depth[it.task.Priority]--
			s.running[it.task.MatchID] = struct{}{}
			s.observeLocked()
			s.mu.Unlock()
			return it.task, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return fleet.Task{}, fmt.Errorf("wait for task: %w", ctx.Err())
		case <-ready:
		}
	}
}

// Done releases the de-duplication slot held by a running match.
func (s *Scheduler) Done(matchID string) {
	s.mu.Lock()
	delete(s.running, matchID)
	s.observeLocked()
	s.mu.Unlock()
}

// Remove drops a queued task and reports whether one was queued.
func (s *Scheduler) Remove(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queued[matchID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, it.index)
	delete(s.queued, matchID)
	s.depth[it.task.Priority]--
	s.observeLocked()
	return true
}

// Reprioritize moves a queued task to another class, keeping its arrival
// order within that class.
func (s *Scheduler) Reprioritize(matchID string, priority fleet.Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queued[matchID]
	if !ok {
		return false
	}
	s.depth[it.task.Priority]--
	s.depth[priority]++
	it.task.Priority = priority
	heap.Fix(&s.queue, it.index)
	s.observeLocked()
	return true
}

// Close wakes every waiter with ErrClosed and drops queued tasks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if dropped := s.queue.Len(); dropped > 0 {
		s.logger.Info("dropping queued tasks", zap.Int("count", dropped))
	}
	s.queue = nil
	s.queued = make(map[string]*item)
	s.depth = make(map[fleet.Priority]int)
	close(s.ready)
	s.observeLocked()
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// InFlight returns the number of running matches.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Rejections returns rejection counts by reason.
func (s *Scheduler) Rejections() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.rejections))
	for k, v := range s.rejections {
		out[k] = v
	}
	return out
}

// Pending lists queued tasks in service order.
func (s *Scheduler) Pending() []fleet.Task {
	s.mu.Lock()
	items := make(taskHeap, len(s.queue))
	for i, it := range s.queue {
		cp := *it
		items[i] = &cp
	}
	s.mu.Unlock()
	sort.Slice(items, items.Less)
	out := make([]fleet.Task, len(items))
	for i, it := range items {
		out[i] = it.task
	}
	return out
}

func (s *Scheduler) reject(task fleet.Task, reason string) {
	s.observer.ObserveRejection(reason)
	s.emitter.Emit(events.Event{
		TS:        s.clock.Now(),
		Kind:      events.KindTaskRejected,
		MatchID:   task.MatchID,
		Operation: task.Priority.String(),
		Note:      reason,
	})
}

// wakeLocked releases every goroutine blocked in Next.
func (s *Scheduler) wakeLocked() {
	close(s.ready)
	s.ready = make(chan struct{})
}

func (s *Scheduler) observeLocked() {
	s.observer.ObserveQueue(s.depth, len(s.running))
}
