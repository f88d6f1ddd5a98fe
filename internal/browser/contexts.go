package browser

import (
	"context"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
)

// ContextPoolName labels the anonymous context pool in events and metrics.
const ContextPoolName = "browser_contexts"

// MemoryReporter is implemented by pages that can report their heap usage.
type MemoryReporter interface {
	MemoryBytes(ctx context.Context) (uint64, error)
}

type pageFactory struct {
	browser fleet.Browser
}

func (f pageFactory) Create(ctx context.Context) (fleet.Page, error) {
	return f.browser.NewPage(ctx)
}

func (f pageFactory) Destroy(page fleet.Page) error {
	return page.Close()
}

// Recycle restarts the browser process; pages are recreated on demand.
func (f pageFactory) Recycle(ctx context.Context) error {
	return f.browser.Reset(ctx)
}

// NewContextPool pools short-lived anonymous pages of b.
func NewContextPool(b fleet.Browser, cfg pool.Config, opts pool.Options) (*pool.Pool[fleet.Page], error) {
	return pool.New[fleet.Page](ContextPoolName, cfg, pageFactory{browser: b}, opts)
}
