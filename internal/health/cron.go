package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron runs named jobs on cron schedules. Runs of one job never overlap.
type Cron struct {
	c      *cron.Cron
	logger *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewCron builds a stopped scheduler.
func NewCron(logger *zap.Logger) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cron{
		c:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.Named("cron"),
		ctx:    context.Background(),
	}
}

// Add schedules fn under spec, e.g. "@every 1m" or "*/5 * * * *".
func (c *Cron) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := c.c.AddFunc(spec, func() {
		c.logger.Debug("cron job started", zap.String("job", name))
		fn(c.runContext())
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start runs the scheduler until Stop; jobs receive ctx.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.c.Start()
}

// Stop halts scheduling and waits for running jobs or ctx.
func (c *Cron) Stop(ctx context.Context) {
	select {
	case <-c.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (c *Cron) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
