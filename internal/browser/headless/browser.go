// Package headless drives a shared headless Chrome through chromedp and
// exposes it as fleet.Browser pages with network response capture.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Config controls the browser process and the pages it hands out.
type Config struct {
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// SettleDelay lets client-side rendering finish after the body is ready.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// Isolated opens every page in its own anonymous browser context.
	Isolated bool `mapstructure:"isolated"`
	// ResponseBuffer bounds captured responses waiting to be read per page.
	ResponseBuffer int `mapstructure:"response_buffer"`
	// CaptureMIMETypes selects which response bodies are captured.
	CaptureMIMETypes []string `mapstructure:"capture_mime_types"`
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ResponseBuffer <= 0 {
		c.ResponseBuffer = 64
	}
	if len(c.CaptureMIMETypes) == 0 {
		c.CaptureMIMETypes = []string{"application/json"}
	}
	return c
}

// Browser owns one Chrome process, launched on first use and relaunched
// lazily after Reset.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ fleet.Browser = (*Browser)(nil)

// New returns a Browser; Chrome is not started until the first NewPage.
func New(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg.withDefaults(), logger: logger.Named("headless")}
}

// NewPage opens a tab, or an isolated context when configured, with the
// network domain enabled.
func (b *Browser) NewPage(ctx context.Context) (fleet.Page, error) {
	root, err := b.ensure()
	if err != nil {
		return nil, err
	}
	var opts []chromedp.ContextOption
	if b.cfg.Isolated {
		opts = append(opts, chromedp.WithNewBrowserContext())
	}
	tabCtx, cancel := chromedp.NewContext(root, opts...)
	page := newPage(tabCtx, cancel, b.cfg)
	chromedp.ListenTarget(tabCtx, page.onEvent)

	if err := chromedp.Run(tabCtx, b.setupAction()); err != nil {
		cancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}

// Reset kills the Chrome process. The next NewPage starts a new one.
func (b *Browser) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil
	}
	b.browserCancel()
	b.allocCancel()
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
	b.logger.Info("browser process reset")
	return nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	return b.Reset(context.Background())
}

// PID reports the Chrome process id, or 0 when no process is running.
func (b *Browser) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return 0
	}
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Browser == nil {
		return 0
	}
	proc := c.Browser.Process()
	if proc == nil {
		return 0
	}
	return proc.Pid
}

func (b *Browser) ensure() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Run with no actions starts the process and its first tab.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b.allocCancel, b.browserCtx, b.browserCancel = allocCancel, browserCtx, browserCancel
	b.logger.Info("browser process launched")
	return browserCtx, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
