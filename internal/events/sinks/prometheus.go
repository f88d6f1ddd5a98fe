package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

// PrometheusSink turns the event stream into counters, gauges, and histograms
// keyed by match and operation.
type PrometheusSink struct {
	eventsTotal     *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec
	matchHealth     *prometheus.GaugeVec
	restarts        *prometheus.CounterVec
	gapSize         *prometheus.HistogramVec
	pushDuration    *prometheus.HistogramVec
	orphansKilled   prometheus.Counter
	watchdogTripped prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_total",
			Help: "Fleet events partitioned by kind.",
		}, []string{"kind"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_retry_delay_seconds",
			Help:    "Backoff delays computed per retried operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_breaker_transitions_total",
			Help: "Circuit breaker transitions partitioned by dependency and target state.",
		}, []string{"dependency", "to"}),
		matchHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_match_health",
			Help: "Match health (0 healthy, 1 degraded, 2 failing, 3 stopping).",
		}, []string{"match_id"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_match_restarts_total",
			Help: "Restart requests per match.",
		}, []string{"match_id"}),
		gapSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_ball_gap_size",
			Help:    "Size of detected ball gaps per match.",
			Buckets: []float64{1, 2, 3, 6, 12, 30},
		}, []string{"match_id"}),
		pushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_update_push_seconds",
			Help:    "Backend push latency per match.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"match_id"}),
		orphansKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_orphan_processes_killed_total",
			Help: "Orphaned browser processes killed by the sweeper.",
		}),
		watchdogTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_watchdog_tripped",
			Help: "1 once the process watchdog has scheduled an exit.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.retryDelay,
		s.breakerState,
		s.breakerTrips,
		s.matchHealth,
		s.restarts,
		s.gapSize,
		s.pushDuration,
		s.orphansKilled,
		s.watchdogTripped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindRetryAttempt:
			s.retryDelay.WithLabelValues(evt.Operation).Observe(evt.Delay.Seconds())
		case events.KindBreakerTransition:
			s.breakerState.WithLabelValues(evt.Operation).Set(breakerValue(evt.To))
			s.breakerTrips.WithLabelValues(evt.Operation, evt.To).Inc()
		case events.KindHealthChange:
			s.matchHealth.WithLabelValues(evt.MatchID).Set(healthValue(evt.To))
		case events.KindRestartRequested:
			s.restarts.WithLabelValues(evt.MatchID).Inc()
		case events.KindGapDetected:
			s.gapSize.WithLabelValues(evt.MatchID).Observe(float64(evt.Value))
		case events.KindUpdatePushed:
			if evt.Dur > 0 {
				s.pushDuration.WithLabelValues(evt.MatchID).Observe(evt.Dur.Seconds())
			}
		case events.KindOrphanSweep:
			if evt.Value > 0 {
				s.orphansKilled.Add(float64(evt.Value))
			}
		case events.KindWatchdogTrip:
			s.watchdogTripped.Set(1)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func breakerValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

func healthValue(status string) float64 {
	switch status {
	case "degraded":
		return 1
	case "failing":
		return 2
	case "stopping":
		return 3
	default:
		return 0
	}
}
