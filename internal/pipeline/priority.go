package pipeline

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

// Phase is the stage of a match, as used in priority weights.
type Phase string

// Known match phases.
const (
	PhasePreMatch     Phase = "pre_match"
	PhaseStart        Phase = "start"
	PhaseMiddle       Phase = "middle"
	PhaseDeath        Phase = "death"
	PhaseFinalOver    Phase = "final_over"
	PhaseInningsBreak Phase = "innings_break"
	PhaseComplete     Phase = "complete"
)

// Importance grades the competition a match belongs to.
type Importance string

// Known importance levels.
const (
	ImportanceClub          Importance = "club"
	ImportanceDomestic      Importance = "domestic"
	ImportanceFranchise     Importance = "franchise"
	ImportanceInternational Importance = "international"
)

// MatchSignals are the inputs to the priority score.
type MatchSignals struct {
	Viewers     int        `json:"viewers" mapstructure:"viewers"`
	Phase       Phase      `json:"phase" mapstructure:"phase"`
	Importance  Importance `json:"importance" mapstructure:"importance"`
	CloseFinish bool       `json:"close_finish" mapstructure:"close_finish"`
	// Boost is added to the score after weighting, for operator overrides.
	Boost float64 `json:"boost" mapstructure:"boost"`
}

// IntervalStep maps scores at or above MinScore to a polling interval.
type IntervalStep struct {
	MinScore float64       `mapstructure:"min_score"`
	Interval time.Duration `mapstructure:"interval"`
}

// PriorityConfig holds every weight of the priority score. Map keys are
// matched case-insensitively; unknown phases and importances weigh 1.
type PriorityConfig struct {
	PhaseWeights      map[string]float64 `mapstructure:"phase_weights"`
	ImportanceWeights map[string]float64 `mapstructure:"importance_weights"`
	CloseFinishFactor float64            `mapstructure:"close_finish_factor"`
	ViewerFloor       int                `mapstructure:"viewer_floor"`
	Steps             []IntervalStep     `mapstructure:"steps"`
}

// DefaultPriorityConfig returns the weights used when none are configured.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		PhaseWeights: map[string]float64{
			string(PhasePreMatch):     0.5,
			string(PhaseStart):        1.0,
			string(PhaseMiddle):       1.2,
			string(PhaseDeath):        1.8,
			string(PhaseFinalOver):    2.5,
			string(PhaseInningsBreak): 0.6,
			string(PhaseComplete):     0.1,
		},
		ImportanceWeights: map[string]float64{
			string(ImportanceClub):          0.5,
			string(ImportanceDomestic):      1.0,
			string(ImportanceFranchise):     1.5,
			string(ImportanceInternational): 2.0,
		},
		CloseFinishFactor: 1.5,
		ViewerFloor:       100,
		Steps: []IntervalStep{
			{MinScore: 100_000, Interval: 2 * time.Second},
			{MinScore: 10_000, Interval: 5 * time.Second},
			{MinScore: 1_000, Interval: 10 * time.Second},
			{MinScore: 100, Interval: 20 * time.Second},
			{MinScore: 0, Interval: 30 * time.Second},
		},
	}
}

// MatchPriority scores matches and maps scores to polling intervals.
type MatchPriority struct {
	cfg   PriorityConfig
	steps []IntervalStep
}

// NewMatchPriority builds a scorer. Missing fields take defaults.
func NewMatchPriority(cfg PriorityConfig) *MatchPriority {
	def := DefaultPriorityConfig()
	if len(cfg.PhaseWeights) == 0 {
		cfg.PhaseWeights = def.PhaseWeights
	}
	if len(cfg.ImportanceWeights) == 0 {
		cfg.ImportanceWeights = def.ImportanceWeights
	}
	if cfg.CloseFinishFactor <= 0 {
		cfg.CloseFinishFactor = def.CloseFinishFactor
	}
	if cfg.ViewerFloor <= 0 {
		cfg.ViewerFloor = def.ViewerFloor
	}
	if len(cfg.Steps) == 0 {
		cfg.Steps = def.Steps
	}
	steps := append([]IntervalStep(nil), cfg.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinScore > steps[j].MinScore })
	return &MatchPriority{cfg: cfg, steps: steps}
}

// Score is max(viewers, floor) x phase x importance x close-finish factor,
// plus the manual boost.
func (p *MatchPriority) Score(s MatchSignals) float64 {
	viewers := s.Viewers
	if viewers < p.cfg.ViewerFloor {
		viewers = p.cfg.ViewerFloor
	}
	score := float64(viewers) *
		weight(p.cfg.PhaseWeights, string(s.Phase)) *
		weight(p.cfg.ImportanceWeights, string(s.Importance))
	if s.CloseFinish {
		score *= p.cfg.CloseFinishFactor
	}
	return score + s.Boost
}

// Interval returns the base polling interval for score. Higher scores poll
// more often.
func (p *MatchPriority) Interval(score float64) time.Duration {
	for _, step := range p.steps {
		if score >= step.MinScore {
			return step.Interval
		}
	}
	return p.steps[len(p.steps)-1].Interval
}

// Class maps a phase to the scheduler's priority class.
func (p *MatchPriority) Class(phase Phase) fleet.Priority {
	switch phase {
	case PhaseComplete:
		return fleet.PriorityCompleted
	case PhasePreMatch:
		return fleet.PriorityImminent
	case "":
		return fleet.PriorityBackground
	default:
		return fleet.PriorityLive
	}
}

func weight(weights map[string]float64, key string) float64 {
	if w, ok := weights[strings.ToLower(key)]; ok {
		return w
	}
	return 1
}

// BackoffConfig bounds the error backoff layered over the base interval.
type BackoffConfig struct {
	Max    time.Duration `mapstructure:"max"`
	Jitter time.Duration `mapstructure:"jitter"`
}

// PollBackoff stretches the polling interval while a match keeps failing.
type PollBackoff struct {
	cfg    BackoffConfig
	random func() float64
}

// NewPollBackoff builds a backoff. random defaults to math/rand/v2.
func NewPollBackoff(cfg BackoffConfig, random func() float64) *PollBackoff {
	if cfg.Max <= 0 {
		cfg.Max = 2 * time.Minute
	}
	if random == nil {
		random = rand.Float64
	}
	return &PollBackoff{cfg: cfg, random: random}
}

// Next returns base when there are no errors, otherwise
// min(base * 2^errors, max) plus up to Jitter.
func (b *PollBackoff) Next(base time.Duration, consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return base
	}
	delay := b.cfg.Max
	if consecutiveErrors < 62 {
		scaled := float64(base) * math.Exp2(float64(consecutiveErrors))
		if scaled < float64(b.cfg.Max) {
			delay = time.Duration(scaled)
		}
	}
	if b.cfg.Jitter > 0 {
		delay += time.Duration(b.random() * float64(b.cfg.Jitter))
	}
	return delay
}
