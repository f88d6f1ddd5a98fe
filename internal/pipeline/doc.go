// Package pipeline turns raw provider records into ordered, de-duplicated
// match updates: parsing, gap tracking, latest-state-wins sequencing,
// scorecard diffs, and polling priority.
package pipeline

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Options carries optional collaborators shared by pipeline stages.
type Options struct {
	Clock   fleet.Clock
	Emitter events.Emitter
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = system.New()
	}
	o.Emitter = events.OrNop(o.Emitter)
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
