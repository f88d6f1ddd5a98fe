// Package metrics exposes Prometheus collectors for the fleet. A Metrics
// value is injected into the scheduler, the resource pools, the backend
// client, the worker, and the HTTP router.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Metrics holds the fleet's collectors.
type Metrics struct {
	queueDepth    *prometheus.GaugeVec
	inFlight      prometheus.Gauge
	rejections    *prometheus.CounterVec
	poolInUse     *prometheus.GaugeVec
	poolIdle      *prometheus.GaugeVec
	poolEvictions *prometheus.CounterVec
	backendCalls  *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	activeMatches prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector against reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_scheduler_queue_depth",
			Help: "Queued tasks partitioned by priority.",
		}, []string{"priority"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_scheduler_in_flight",
			Help: "Tasks handed to workers and not yet done.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scheduler_rejections_total",
			Help: "Rejected enqueues partitioned by reason.",
		}, []string{"reason"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_pool_in_use",
			Help: "Leased resources per pool.",
		}, []string{"pool"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_pool_idle",
			Help: "Idle resources per pool.",
		}, []string{"pool"}),
		poolEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_pool_evictions_total",
			Help: "Evicted resources partitioned by pool and reason.",
		}, []string{"pool", "reason"}),
		backendCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_backend_call_seconds",
			Help:    "Backend call latency including retries, partitioned by operation.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_backend_errors_total",
			Help: "Failed backend calls partitioned by operation.",
		}, []string{"operation"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_poll_seconds",
			Help:    "Duration of one poll cycle partitioned by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		activeMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_active_matches",
			Help: "Match jobs currently running.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		m.queueDepth, m.inFlight, m.rejections,
		m.poolInUse, m.poolIdle, m.poolEvictions,
		m.backendCalls, m.backendErrors,
		m.pollDuration, m.activeMatches,
		m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing the gatherer's metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveQueue implements scheduler.Observer.
func (m *Metrics) ObserveQueue(depth map[fleet.Priority]int, inFlight int) {
	for _, p := range fleet.Priorities {
		m.queueDepth.WithLabelValues(p.String()).Set(float64(depth[p]))
	}
	m.inFlight.Set(float64(inFlight))
}

// ObserveRejection implements scheduler.Observer.
func (m *Metrics) ObserveRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// ObservePool implements pool.Observer.
func (m *Metrics) ObservePool(name string, inUse, idle int) {
	m.poolInUse.WithLabelValues(name).Set(float64(inUse))
	m.poolIdle.WithLabelValues(name).Set(float64(idle))
}

// ObserveEviction implements pool.Observer.
func (m *Metrics) ObserveEviction(name, reason string) {
	m.poolEvictions.WithLabelValues(name, reason).Inc()
}

// ObservePush implements backend.Observer.
func (m *Metrics) ObservePush(operation string, d time.Duration, err error) {
	m.backendCalls.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(operation).Inc()
	}
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(outcome string, d time.Duration) {
	m.pollDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// MatchStarted increments the active match gauge.
func (m *Metrics) MatchStarted() {
	m.activeMatches.Inc()
}

// MatchStopped decrements the active match gauge.
func (m *Metrics) MatchStopped() {
	m.activeMatches.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
