package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{TS: now, Kind: events.KindBreakerTransition, Operation: "backend", From: "CLOSED", To: "OPEN"},
		{TS: now, Kind: events.KindHealthChange, MatchID: "m1", From: "healthy", To: "failing"},
		{TS: now, Kind: events.KindRestartRequested, MatchID: "m1", Note: "stale"},
		{TS: now, Kind: events.KindGapDetected, MatchID: "m1", Value: 3},
		{TS: now, Kind: events.KindRetryAttempt, Operation: "push", Attempt: 1, Delay: 200 * time.Millisecond},
		{TS: now, Kind: events.KindOrphanSweep, Value: 2},
		{TS: now, Kind: events.KindWatchdogTrip, Value: 80},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.breakerState.WithLabelValues("backend")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerTrips.WithLabelValues("backend", "OPEN")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.matchHealth.WithLabelValues("m1")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.restarts.WithLabelValues("m1")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.orphansKilled))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.watchdogTripped))
	require.Equal(t, 1, testutil.CollectAndCount(sink.gapSize, "fleet_ball_gap_size"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.retryDelay, "fleet_retry_delay_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues(string(events.KindGapDetected))))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{TS: time.Now(), Kind: events.KindBreakerTransition, Operation: "backend", From: "CLOSED", To: "OPEN"},
		{TS: time.Now(), Kind: events.KindUpdatePushed, MatchID: "m1", Dur: time.Millisecond},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "backend", entries[0].ContextMap()["operation"])
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.NoError(t, sink.Close(context.Background()))
}

func TestAuditSinkFiltersAndFormats(t *testing.T) {
	t.Parallel()

	log := &fakeAuditLog{}
	sink := NewAuditSink(log, nil)
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{TS: now, Kind: events.KindRetryAttempt, Operation: "push", Attempt: 1},
		{TS: now, Kind: events.KindHealthChange, MatchID: "m1", From: "healthy", To: "degraded"},
		{TS: now, Kind: events.KindGapDetected, MatchID: "m1", Value: 4, Note: "ball"},
	}))

	require.Len(t, log.records, 2)
	require.Equal(t, "healthy -> degraded", log.records[0].Detail)
	require.Equal(t, "ball value=4", log.records[1].Detail)
	require.Equal(t, "m1", log.records[1].MatchID)
}

func TestAuditSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	sink := NewAuditSink(&fakeAuditLog{err: errors.New("disk full")}, nil)
	err := sink.Consume(context.Background(), []events.Event{
		{TS: time.Now(), Kind: events.KindWatchdogTrip, Value: 50},
	})
	require.ErrorContains(t, err, "disk full")

	var nilSink *AuditSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type fakeAuditLog struct {
	mu      sync.Mutex
	records []fleet.AuditRecord
	err     error
}

func (f *fakeAuditLog) AppendAudit(_ context.Context, records ...fleet.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeAuditLog) RecentAudit(_ context.Context, limit int) ([]fleet.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return append([]fleet.AuditRecord(nil), f.records[:limit]...), nil
}
