package dom

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
)

// Pages is the subset of browser.PagePool a PageSource needs.
type Pages interface {
	GetOrCreate(ctx context.Context, matchID, url string) (*browser.Lease, error)
	Release(lease *browser.Lease, err error)
	Remove(matchID string)
}

// PageConfig controls which intercepted responses become records.
type PageConfig struct {
	// ResponseURLs keeps responses whose URL contains any of these; empty
	// keeps every captured response.
	ResponseURLs []string `mapstructure:"response_urls"`
	// ResponsePath is a dotted path to the records inside a response body.
	ResponsePath string `mapstructure:"response_path"`
	// MaxResponses caps how many buffered responses one poll drains.
	MaxResponses int `mapstructure:"max_responses"`
	// MaxHeldRecords caps captured records kept per match across failed
	// polls; the oldest are dropped first.
	MaxHeldRecords int `mapstructure:"max_held_records"`
}

func (c PageConfig) withDefaults() PageConfig {
	if c.MaxResponses <= 0 {
		c.MaxResponses = 256
	}
	if c.MaxHeldRecords <= 0 {
		c.MaxHeldRecords = 4096
	}
	return c
}

// PageSource polls a match through its persistent page: captured JSON
// responses first, then the rendered DOM.
type PageSource struct {
	pages     Pages
	extractor *Extractor
	cfg       PageConfig
	held      *heldRecords
	logger    *zap.Logger
}

// NewPageSource wires a PageSource.
func NewPageSource(pages Pages, extractor *Extractor, cfg PageConfig, logger *zap.Logger) *PageSource {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageSource{
		pages:     pages,
		extractor: extractor,
		cfg:       cfg,
		held:      newHeldRecords(cfg.MaxHeldRecords),
		logger:    logger.Named("dom_source"),
	}
}

// Poll leases the match's page, reads it, and releases it. Errors count
// against the page in the pool. Captured records survive a failed poll and
// are returned by the next successful one.
func (s *PageSource) Poll(ctx context.Context, task fleet.Task) (poll source.Poll, err error) {
	lease, err := s.pages.GetOrCreate(ctx, task.MatchID, task.URL)
	if err != nil {
		return source.Poll{}, fmt.Errorf("lease page for %s: %w", task.MatchID, err)
	}
	defer func() { s.pages.Release(lease, err) }()

	hold(s.held, drain(lease.Page, s.cfg, s.logger, task.MatchID), s.logger, task.MatchID)

	html, err := lease.Page.Content(ctx)
	if err != nil {
		return source.Poll{}, fmt.Errorf("read page for %s: %w", task.MatchID, err)
	}
	poll, err = s.extractor.Extract(task.MatchID, html)
	if err != nil {
		return source.Poll{}, fmt.Errorf("extract %s: %w", task.MatchID, err)
	}
	poll.Records = append(s.held.take(task.MatchID), poll.Records...)

	if mr, ok := lease.Page.(browser.MemoryReporter); ok {
		if bytes, merr := mr.MemoryBytes(ctx); merr == nil {
			poll.MemoryBytes = bytes
		} else {
			s.logger.Debug("page memory sample failed", zap.String("match_id", task.MatchID), zap.Error(merr))
		}
	}
	return poll, nil
}

// Forget closes the match's page and drops its held records.
func (s *PageSource) Forget(matchID string) {
	s.held.forget(matchID)
	s.pages.Remove(matchID)
}

func hold(held *heldRecords, recs []pipeline.Record, logger *zap.Logger, matchID string) {
	if dropped := held.add(matchID, recs); dropped > 0 {
		logger.Warn("held records over limit, dropping oldest",
			zap.String("match_id", matchID),
			zap.Int("dropped", dropped),
		)
	}
}

// drain reads up to cfg.MaxResponses buffered responses without blocking.
func drain(page fleet.Page, cfg PageConfig, logger *zap.Logger, matchID string) []pipeline.Record {
	var out []pipeline.Record
	responses := page.Responses()
	for i := 0; i < cfg.MaxResponses; i++ {
		var resp fleet.Response
		select {
		case r, ok := <-responses:
			if !ok {
				return out
			}
			resp = r
		default:
			return out
		}
		if resp.Status >= 400 || !cfg.wanted(resp.URL) {
			continue
		}
		recs, err := source.DecodeRecords(resp.Body, cfg.ResponsePath)
		if err != nil {
			logger.Debug("skipping response",
				zap.String("match_id", matchID),
				zap.String("url", resp.URL),
				zap.Error(err),
			)
			continue
		}
		out = append(out, recs...)
	}
	return out
}

func (c PageConfig) wanted(url string) bool {
	if len(c.ResponseURLs) == 0 {
		return true
	}
	for _, frag := range c.ResponseURLs {
		if strings.Contains(url, frag) {
			return true
		}
	}
	return false
}
