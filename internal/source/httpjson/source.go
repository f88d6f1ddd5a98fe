// Package httpjson polls JSON score feeds with a colly collector, for
// providers that need no browser.
package httpjson

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/retry"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// RecordsPath is a dotted path to the records inside the response.
	RecordsPath string `mapstructure:"records_path"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// Source implements a poll over a JSON feed.
type Source struct {
	cfg           Config
	pacer         *ratelimit.Keyed
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Source. pacer may be nil.
func New(cfg Config, pacer *ratelimit.Keyed, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Source{
		cfg:           cfg,
		pacer:         pacer,
		logger:        logger.Named("httpjson_source"),
		baseCollector: c,
	}
}

// Poll fetches the task URL and decodes its records.
func (s *Source) Poll(ctx context.Context, task fleet.Task) (source.Poll, error) {
	if err := s.pacer.Wait(ctx, task.URL); err != nil {
		return source.Poll{}, err
	}
	start := time.Now()
	body, err := s.fetch(ctx, task.URL)
	if err != nil {
		return source.Poll{}, err
	}
	records, err := source.DecodeRecords(body, s.cfg.RecordsPath)
	if err != nil {
		return source.Poll{}, fmt.Errorf("feed %s: %w", task.URL, err)
	}
	s.logger.Debug("feed polled",
		zap.String("match_id", task.MatchID),
		zap.Int("records", len(records)),
		zap.Duration("duration", time.Since(start)),
	)
	return source.Poll{Records: records}, nil
}

// Forget is a no-op; the source keeps no per-match state.
func (s *Source) Forget(string) {}

func (s *Source) fetch(ctx context.Context, url string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)
	s.configureCollectorHooks(collector, &body, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("feed fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("feed visit failed: %w", err))
		}
		return body, nil
	}
}

func (s *Source) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		if s.cfg.AuthToken != "" {
			r.Headers.Set("Authorization", "Bearer "+s.cfg.AuthToken)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			statusErr := &StatusError{Code: r.StatusCode}
			if r.Request != nil && r.Request.URL != nil {
				statusErr.URL = r.Request.URL.String()
			}
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				*fetchErr = retry.Transient(statusErr)
				return
			}
			*fetchErr = statusErr
			return
		}
		*fetchErr = retry.Transient(fmt.Errorf("feed request failed: %w", err))
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
