package pool

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("pool is closed")

// Eviction reasons reported in events and metrics.
const (
	ReasonMaxAge    = "max_age"
	ReasonMaxErrors = "max_errors"
	ReasonLRU       = "lru"
	ReasonRecycle   = "recycle"
	ReasonForced    = "forced"
	ReasonShutdown  = "shutdown"
	ReasonRemoved   = "removed"
)

// Config bounds a pool.
type Config struct {
	// MaxSize caps resources handed out concurrently.
	MaxSize int `mapstructure:"max_size"`
	// MaxIdle caps the free list; the least recently used idle resource is
	// destroyed when it overflows.
	MaxIdle int `mapstructure:"max_idle"`
	// MaxAge destroys resources created longer ago than this. Zero disables.
	MaxAge time.Duration `mapstructure:"max_age"`
	// MaxErrors destroys resources once they have recorded this many errors.
	// Zero disables.
	MaxErrors int `mapstructure:"max_errors"`
	// ShutdownGrace is how long Recycle and Shutdown wait for holders to
	// release before force-closing their resources.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxSize {
		c.MaxIdle = c.MaxSize
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// ExpiryReason reports why a resource created at createdAt with errs recorded
// errors must be destroyed at now, or "" if it is still usable.
func (c Config) ExpiryReason(createdAt, now time.Time, errs int) string {
	if c.MaxAge > 0 && now.Sub(createdAt) >= c.MaxAge {
		return ReasonMaxAge
	}
	if c.MaxErrors > 0 && errs >= c.MaxErrors {
		return ReasonMaxErrors
	}
	return ""
}

// Observer receives pool gauges and eviction counts.
type Observer interface {
	ObservePool(name string, inUse, idle int)
	ObserveEviction(name, reason string)
}

type nopObserver struct{}

func (nopObserver) ObservePool(string, int, int)   {}
func (nopObserver) ObserveEviction(string, string) {}

// Recycler is implemented by factories whose substrate can be torn down and
// lazily relaunched.
type Recycler interface {
	Recycle(ctx context.Context) error
}

// WaitReleased blocks until pending reports zero, signal fires with a fresh
// channel, the grace period elapses, or ctx ends. It returns true when
// nothing is pending anymore.
func WaitReleased(ctx context.Context, grace time.Duration, pending func() (int, <-chan struct{})) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		n, signal := pending()
		if n == 0 {
			return true
		}
		select {
		case <-signal:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
