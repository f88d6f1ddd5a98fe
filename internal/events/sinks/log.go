package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
)

// LogSink writes each event as a structured log line. Transitions and
// restarts log at warn; everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("event_ts", evt.TS),
		}
		if evt.MatchID != "" {
			fields = append(fields, zap.String("match_id", evt.MatchID))
		}
		if evt.Operation != "" {
			fields = append(fields, zap.String("operation", evt.Operation))
		}
		if evt.From != "" || evt.To != "" {
			fields = append(fields, zap.String("from", evt.From), zap.String("to", evt.To))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt), zap.Duration("delay", evt.Delay))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Value != 0 {
			fields = append(fields, zap.Int64("value", evt.Value))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Kind), "fleet event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(kind events.Kind) zapcore.Level {
	switch kind {
	case events.KindBreakerTransition, events.KindRestartRequested, events.KindGapDetected,
		events.KindWatchdogTrip, events.KindFleetHealth:
		return zapcore.WarnLevel
	case events.KindHealthChange, events.KindGapRecovered, events.KindInningsStale, events.KindOrphanSweep:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
