// Package dispatcher fans scheduled tasks out to a fixed set of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/scheduler"
)

// Source yields tasks and is told when each one finishes.
type Source interface {
	Next(ctx context.Context) (fleet.Task, error)
	Done(matchID string)
}

// Handler processes one task. It owns the task until it returns.
type Handler interface {
	Handle(ctx context.Context, task fleet.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task fleet.Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task fleet.Task) error {
	return f(ctx, task)
}

// Dispatcher runs Workers goroutines that drain a Source.
type Dispatcher struct {
	source  Source
	handler Handler
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(source Source, handler Handler, workers int, logger *zap.Logger) (*Dispatcher, error) {
	if source == nil || handler == nil {
		return nil, errors.New("dispatcher requires a source and a handler")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("dispatcher workers must be > 0, got %d", workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:  source,
		handler: handler,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}, nil
}

// Run blocks until ctx ends or the source closes. Handler failures are
// logged and do not stop the other workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		id := i
		g.Go(func() error {
			return d.loop(gctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, scheduler.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context, id int) error {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		task, err := d.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, scheduler.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker %d next task: %w", id, err)
		}
		d.handle(ctx, logger, task)
	}
}

func (d *Dispatcher) handle(ctx context.Context, logger *zap.Logger, task fleet.Task) {
	defer d.source.Done(task.MatchID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", zap.String("match_id", task.MatchID), zap.Any("panic", r))
		}
	}()
	if err := d.handler.Handle(ctx, task); err != nil && ctx.Err() == nil {
		logger.Warn("task failed",
			zap.String("match_id", task.MatchID),
			zap.Stringer("priority", task.Priority),
			zap.Error(err),
		)
	}
}
