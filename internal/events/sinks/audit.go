package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// AuditSink persists operator-relevant events into the bounded audit log.
// High-volume kinds (retry attempts, pushes) are skipped.
type AuditSink struct {
	log    fleet.AuditLog
	logger *zap.Logger
}

// NewAuditSink constructs an AuditSink for the provided log.
func NewAuditSink(log fleet.AuditLog, logger *zap.Logger) *AuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditSink{log: log, logger: logger}
}

// Consume writes the auditable subset of the batch in one append.
func (s *AuditSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.log == nil {
		return nil
	}
	records := make([]fleet.AuditRecord, 0, len(batch))
	for _, evt := range batch {
		if !auditable(evt.Kind) {
			continue
		}
		records = append(records, fleet.AuditRecord{
			ID:        uuid.UUID(evt.ID).String(),
			TS:        evt.TS,
			Kind:      string(evt.Kind),
			MatchID:   evt.MatchID,
			Operation: evt.Operation,
			Detail:    detail(evt),
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.log.AppendAudit(ctx, records...); err != nil {
		return fmt.Errorf("append audit records: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *AuditSink) Close(context.Context) error {
	return nil
}

func auditable(kind events.Kind) bool {
	switch kind {
	case events.KindBreakerTransition, events.KindHealthChange, events.KindRestartRequested,
		events.KindGapDetected, events.KindGapRecovered, events.KindInningsStale,
		events.KindFleetHealth, events.KindWatchdogTrip, events.KindOrphanSweep:
		return true
	default:
		return false
	}
}

func detail(evt events.Event) string {
	switch {
	case evt.From != "" || evt.To != "":
		if evt.Note != "" {
			return fmt.Sprintf("%s -> %s (%s)", evt.From, evt.To, evt.Note)
		}
		return fmt.Sprintf("%s -> %s", evt.From, evt.To)
	case evt.Value != 0 && evt.Note != "":
		return fmt.Sprintf("%s value=%d", evt.Note, evt.Value)
	case evt.Value != 0:
		return fmt.Sprintf("value=%d", evt.Value)
	default:
		return evt.Note
	}
}
