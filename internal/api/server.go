package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/health"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/scheduler"
)

// Scheduler is the part of the task scheduler the API drives.
type Scheduler interface {
	Enqueue(task fleet.Task) error
	Remove(matchID string) bool
	Reprioritize(matchID string, priority fleet.Priority) bool
	Pending() []fleet.Task
}

// Registry exposes running match jobs.
type Registry interface {
	Get(matchID string) (*lifecycle.Context, bool)
	HealthPayload() lifecycle.HealthPayload
}

// HealthTracker grades the instance.
type HealthTracker interface {
	Ready() bool
	Evaluate(ctx context.Context) health.Report
}

// Booster raises a match's polling priority.
type Booster interface {
	Boost(matchID string, boost float64)
}

// Options carries the Server's collaborators. Scheduler, Registry, and Health
// are required.
type Options struct {
	Scheduler Scheduler
	Registry  Registry
	Health    HealthTracker
	Booster   Booster
	// Metrics serves /metrics; a 404 is returned without it.
	Metrics http.Handler
	// Instrument wraps every route, typically metrics.Metrics.Middleware.
	Instrument func(http.Handler) http.Handler
	// APIKey, when set, is required on every request.
	APIKey         string
	RequestTimeout time.Duration
	Clock          fleet.Clock
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the scheduler and registry.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	registry  Registry
	health    HealthTracker
	booster   Booster
	clock     fleet.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Scheduler == nil || opts.Registry == nil || opts.Health == nil {
		return nil, errors.New("api server requires a scheduler, registry and health tracker")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		scheduler: opts.Scheduler,
		registry:  opts.Registry,
		health:    opts.Health,
		booster:   opts.Booster,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if opts.Instrument != nil {
		r.Use(opts.Instrument)
	}
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.fleetHealth)
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.listMatches)
			r.Post("/", s.startMatch)
			r.Route("/{match_id}", func(r chi.Router) {
				r.Get("/", s.getMatch)
				r.Delete("/", s.stopMatch)
				r.Post("/boost", s.boostMatch)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fleetHealth handles GET /v1/health. The report is returned with 503 while
// the instance is unhealthy so that load balancers can act on it.
func (s *Server) fleetHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Evaluate(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) listMatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.registry.HealthPayload(),
		"queued":  s.scheduler.Pending(),
	})
}

func (s *Server) getMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "match_id")
	if lc, ok := s.registry.Get(matchID); ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": "running", "match": lc.State()})
		return
	}
	for _, task := range s.scheduler.Pending() {
		if task.MatchID == matchID {
			writeJSON(w, http.StatusOK, map[string]any{"state": "queued", "task": task})
			return
		}
	}
	writeError(w, http.StatusNotFound, "match not found")
}

type startMatchRequest struct {
	MatchID  string `json:"match_id"`
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

// startMatch handles POST /v1/matches.
func (s *Server) startMatch(w http.ResponseWriter, r *http.Request) {
	var req startMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.MatchID = strings.TrimSpace(req.MatchID)
	req.URL = strings.TrimSpace(req.URL)
	if req.MatchID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "match_id and url required")
		return
	}
	priority := fleet.PriorityLive
	if req.Priority != "" {
		p, err := fleet.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = p
	}
	if _, running := s.registry.Get(req.MatchID); running {
		writeError(w, http.StatusConflict, "match already running")
		return
	}
	task := fleet.Task{
		MatchID:    req.MatchID,
		URL:        req.URL,
		Priority:   priority,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.scheduler.Enqueue(task); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, scheduler.ErrDuplicate):
			status = http.StatusConflict
		case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, scheduler.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("match enqueued",
		zap.String("match_id", task.MatchID),
		zap.Stringer("priority", task.Priority),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"match_id": task.MatchID,
		"priority": task.Priority.String(),
	})
}

// stopMatch handles DELETE /v1/matches/{match_id}. Queued tasks are dropped;
// running jobs checkpoint and stop without being restarted.
func (s *Server) stopMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "match_id")
	if s.scheduler.Remove(matchID) {
		writeJSON(w, http.StatusOK, map[string]string{"match_id": matchID, "status": "dequeued"})
		return
	}
	lc, ok := s.registry.Get(matchID)
	if !ok {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	lc.RequestShutdown()
	s.logger.Info("match stop requested", zap.String("match_id", matchID))
	writeJSON(w, http.StatusAccepted, map[string]string{"match_id": matchID, "status": "stopping"})
}

type boostRequest struct {
	Boost    float64 `json:"boost"`
	Priority string  `json:"priority"`
}

// boostMatch handles POST /v1/matches/{match_id}/boost. The boost adds to the
// priority score of the running job; priority, when given, moves a queued
// task to another class.
func (s *Server) boostMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "match_id")
	var req boostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Boost < 0 {
		writeError(w, http.StatusBadRequest, "boost must be >= 0")
		return
	}
	_, running := s.registry.Get(matchID)
	requeued := false
	if req.Priority != "" {
		p, err := fleet.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		requeued = s.scheduler.Reprioritize(matchID, p)
	}
	if !running && !requeued && !s.queued(matchID) {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	if s.booster != nil {
		s.booster.Boost(matchID, req.Boost)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"match_id":      matchID,
		"boost":         req.Boost,
		"reprioritized": requeued,
	})
}

func (s *Server) queued(matchID string) bool {
	for _, task := range s.scheduler.Pending() {
		if task.MatchID == matchID {
			return true
		}
	}
	return false
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
