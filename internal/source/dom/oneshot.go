package dom

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
)

// Contexts is the subset of browser.NewContextPool's pool a ContextSource
// needs.
type Contexts interface {
	Acquire(ctx context.Context) (*pool.Resource[fleet.Page], error)
	Release(res *pool.Resource[fleet.Page])
}

// ContextSource loads the match into a pooled anonymous page on every poll
// and hands the page back afterwards. No page is held between polls.
type ContextSource struct {
	contexts   Contexts
	extractor  *Extractor
	cfg        PageConfig
	navTimeout time.Duration
	held       *heldRecords
	logger     *zap.Logger
}

// NewContextSource wires a ContextSource.
func NewContextSource(contexts Contexts, extractor *Extractor, cfg PageConfig, navTimeout time.Duration, logger *zap.Logger) *ContextSource {
	cfg = cfg.withDefaults()
	if navTimeout <= 0 {
		navTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextSource{
		contexts:   contexts,
		extractor:  extractor,
		cfg:        cfg,
		navTimeout: navTimeout,
		held:       newHeldRecords(cfg.MaxHeldRecords),
		logger:     logger.Named("context_source"),
	}
}

// Poll navigates a pooled page to the match and reads it.
func (s *ContextSource) Poll(ctx context.Context, task fleet.Task) (source.Poll, error) {
	res, err := s.contexts.Acquire(ctx)
	if err != nil {
		return source.Poll{}, fmt.Errorf("acquire page for %s: %w", task.MatchID, err)
	}
	defer s.contexts.Release(res)
	page := res.Value

	// responses left over from the page's previous match
	discard(page)

	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	err = page.Navigate(navCtx, task.URL)
	cancel()
	if err != nil {
		res.MarkError()
		return source.Poll{}, fmt.Errorf("navigate %s: %w", task.MatchID, err)
	}

	hold(s.held, drain(page, s.cfg, s.logger, task.MatchID), s.logger, task.MatchID)
	html, err := page.Content(ctx)
	if err != nil {
		res.MarkError()
		return source.Poll{}, fmt.Errorf("read page for %s: %w", task.MatchID, err)
	}
	poll, err := s.extractor.Extract(task.MatchID, html)
	if err != nil {
		return source.Poll{}, fmt.Errorf("extract %s: %w", task.MatchID, err)
	}
	poll.Records = append(s.held.take(task.MatchID), poll.Records...)
	return poll, nil
}

// Forget drops records held for the match; pages are not tied to matches.
func (s *ContextSource) Forget(matchID string) {
	s.held.forget(matchID)
}

func discard(page fleet.Page) {
	responses := page.Responses()
	for {
		select {
		case _, ok := <-responses:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
