// Package worker runs the per-match job loop: poll the source, normalize
// records, push updates to the backend, and checkpoint progress.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
)

// Poll outcomes reported to the Observer.
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeError     = "error"
	OutcomePushError = "push_error"
)

// Source produces one observation of a match per call.
type Source interface {
	Poll(ctx context.Context, task fleet.Task) (source.Poll, error)
	// Forget releases whatever the source holds for the match.
	Forget(matchID string)
}

// Archiver stores the final scorecards of a completed match.
type Archiver interface {
	Archive(ctx context.Context, matchID string, cards []cricket.Scorecard) (string, error)
}

// Observer receives per-poll and per-job measurements.
type Observer interface {
	ObservePoll(outcome string, d time.Duration)
	MatchStarted()
	MatchStopped()
}

type nopObserver struct{}

func (nopObserver) ObservePoll(string, time.Duration) {}
func (nopObserver) MatchStarted()                     {}
func (nopObserver) MatchStopped()                     {}

// Config tunes the job loop.
type Config struct {
	Lifecycle         lifecycle.Config        `mapstructure:"lifecycle"`
	Priority          pipeline.PriorityConfig `mapstructure:"priority"`
	Backoff           pipeline.BackoffConfig  `mapstructure:"backoff"`
	Fields            pipeline.FieldMap       `mapstructure:"fields"`
	GapAlertThreshold int                     `mapstructure:"gap_alert_threshold"`
	StaleInningsAfter time.Duration           `mapstructure:"stale_innings_after"`
	DefaultSignals    pipeline.MatchSignals   `mapstructure:"default_signals"`
	CheckpointTimeout time.Duration           `mapstructure:"checkpoint_timeout"`
}

// Options carries the collaborators of a Worker. Source, Backend, Snapshots
// and Registry are required.
type Options struct {
	Source    Source
	Backend   fleet.Backend
	Snapshots fleet.SnapshotStore
	Registry  *lifecycle.Registry
	// Archiver is optional; completed matches are not archived without it.
	Archiver Archiver
	// Requeue receives the follow-up task of a job stopped for a restart.
	Requeue func(fleet.Task)
	// Processes feeds the per-match PID sample, optional.
	Processes lifecycle.ProcessCounter
	Observer  Observer
	Tracer    trace.Tracer
	// After replaces time.After between polls.
	After   func(time.Duration) <-chan time.Time
	Random  func() float64
	Clock   fleet.Clock
	Emitter events.Emitter
	Logger  *zap.Logger
}

// Worker handles match tasks. One Worker serves every dispatcher goroutine;
// per-match state lives in the pipeline components keyed by match id.
type Worker struct {
	cfg       Config
	source    Source
	backend   fleet.Backend
	snapshots fleet.SnapshotStore
	registry  *lifecycle.Registry
	archiver  Archiver
	requeue   func(fleet.Task)
	processes lifecycle.ProcessCounter
	observer  Observer
	tracer    trace.Tracer
	after     func(time.Duration) <-chan time.Time
	clock     fleet.Clock
	emitter   events.Emitter
	logger    *zap.Logger

	parser    *pipeline.ScoreParser
	tracker   *pipeline.BallTracker
	sequencer *pipeline.UpdateSequencer
	differ    *pipeline.ScorecardDiffer
	priority  *pipeline.MatchPriority
	backoff   *pipeline.PollBackoff

	mu     sync.Mutex
	boosts map[string]float64
}

// New builds a Worker.
func New(cfg Config, opts Options) (*Worker, error) {
	if opts.Source == nil || opts.Backend == nil || opts.Snapshots == nil || opts.Registry == nil {
		return nil, errors.New("worker requires a source, backend, snapshot store and registry")
	}
	if cfg.GapAlertThreshold <= 0 {
		cfg.GapAlertThreshold = 1
	}
	if cfg.StaleInningsAfter <= 0 {
		cfg.StaleInningsAfter = 5 * time.Minute
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 5 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/JakeFAU/realtime-cricket-fleet/internal/worker")
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	popts := pipeline.Options{Clock: opts.Clock, Emitter: opts.Emitter, Logger: opts.Logger}
	return &Worker{
		cfg:       cfg,
		source:    opts.Source,
		backend:   opts.Backend,
		snapshots: opts.Snapshots,
		registry:  opts.Registry,
		archiver:  opts.Archiver,
		requeue:   opts.Requeue,
		processes: opts.Processes,
		observer:  opts.Observer,
		tracer:    opts.Tracer,
		after:     opts.After,
		clock:     opts.Clock,
		emitter:   events.OrNop(opts.Emitter),
		logger:    opts.Logger.Named("worker"),
		parser:    pipeline.NewScoreParser(cfg.Fields),
		tracker:   pipeline.NewBallTracker(cfg.GapAlertThreshold, popts),
		sequencer: pipeline.NewUpdateSequencer(),
		differ:    pipeline.NewScorecardDiffer(popts),
		priority:  pipeline.NewMatchPriority(cfg.Priority),
		backoff:   pipeline.NewPollBackoff(cfg.Backoff, opts.Random),
		boosts:    make(map[string]float64),
	}, nil
}

// job is the state of one run of a match.
type job struct {
	task    fleet.Task
	lc      *lifecycle.Context
	logger  *zap.Logger
	signals *pipeline.MatchSignals

	// cards holds the latest card per innings for the final archive.
	cards map[int]cricket.Scorecard
	// diffs are scorecard updates not yet accepted by the backend.
	diffs []fleet.Update

	score      *cricket.ScoreSnapshot
	lastBall   cricket.BallNumber
	lastSample time.Time
	complete   bool
}

// Handle runs task until the match completes, the job is stopped or
// restarted, or ctx ends. It satisfies dispatcher.Handler.
func (w *Worker) Handle(ctx context.Context, task fleet.Task) error {
	lc := lifecycle.NewContext(task.MatchID, task.URL, w.cfg.Lifecycle, lifecycle.Options{
		Clock:   w.clock,
		Emitter: w.emitter,
		Logger:  w.logger,
	})
	if err := w.registry.Register(lc); err != nil {
		return fmt.Errorf("start %s: %w", task.MatchID, err)
	}
	defer w.registry.Remove(lc)
	w.observer.MatchStarted()
	defer w.observer.MatchStopped()

	j := w.resume(ctx, task, lc)
	j.logger.Info("match job started",
		zap.String("url", task.URL),
		zap.Stringer("priority", task.Priority),
		zap.Int("retry_count", task.RetryCount),
	)

	var delay time.Duration
	for {
		if !w.wait(ctx, lc, delay) {
			return w.stop(ctx, j)
		}
		w.cycle(ctx, j)
		if j.complete {
			return w.finish(ctx, j)
		}
		if restart, reason := lc.ShouldRestart(); restart {
			lc.RequestRestart(reason)
			continue
		}
		lc.Health()
		delay = w.backoff.Next(w.baseInterval(j), lc.ConsecutiveErrors())
		lc.SetPollingInterval(delay)
	}
}

// Boost adds a manual priority boost to a match, including future runs.
func (w *Worker) Boost(matchID string, boost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if boost == 0 {
		delete(w.boosts, matchID)
		return
	}
	w.boosts[matchID] = boost
}

// SweepStale reports innings whose scorecards stopped changing. Each stale
// period is reported once.
func (w *Worker) SweepStale(context.Context) []pipeline.StaleInnings {
	return w.differ.Stale(w.clock.Now(), w.cfg.StaleInningsAfter)
}

func (w *Worker) boost(matchID string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.boosts[matchID]
}

// wait sleeps for d. It reports false once the job should stop.
func (w *Worker) wait(ctx context.Context, lc *lifecycle.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-lc.Done():
		return false
	default:
	}
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-lc.Done():
		return false
	case <-w.after(d):
		return true
	}
}

func (w *Worker) resume(ctx context.Context, task fleet.Task, lc *lifecycle.Context) *job {
	j := &job{
		task:   task,
		lc:     lc,
		logger: w.logger.With(zap.String("match_id", task.MatchID)),
		cards:  make(map[int]cricket.Scorecard),
	}
	snap, err := w.snapshots.Load(ctx, task.MatchID)
	switch {
	case errors.Is(err, fleet.ErrSnapshotNotFound):
		return j
	case err != nil:
		j.logger.Warn("load checkpoint failed, starting fresh", zap.Error(err))
		return j
	}
	w.sequencer.Resume(task.MatchID, snap.LastSequence)
	if snap.LastSequence > 0 {
		ball := cricket.BallNumber{Over: snap.LastProcessedOver, Ball: snap.LastProcessedBall}
		w.tracker.Seed(task.MatchID, snap.LastSequence, ball)
		j.lastBall = ball
	}
	j.score = &cricket.ScoreSnapshot{
		MatchID:  task.MatchID,
		Sequence: snap.LastSequence,
		Runs:     snap.LastScore,
		Wickets:  snap.LastWickets,
	}
	if innings, err := strconv.Atoi(snap.Metadata[metaInnings]); err == nil {
		j.score.Innings = innings
	}
	if phase, ok := snap.Metadata[metaPhase]; ok {
		j.signals = &pipeline.MatchSignals{Phase: pipeline.Phase(phase)}
	}
	j.logger.Info("resuming from checkpoint",
		zap.Int64("last_sequence", snap.LastSequence),
		zap.Stringer("last_ball", j.lastBall),
		zap.Time("snapshot_timestamp", snap.SnapshotTimestamp),
	)
	return j
}

// cycle polls once and pushes whatever is new.
func (w *Worker) cycle(ctx context.Context, j *job) {
	matchID := j.task.MatchID
	ctx, span := w.tracer.Start(ctx, "worker.poll", trace.WithAttributes(
		attribute.String("match_id", matchID),
		attribute.Int("retry_count", j.task.RetryCount),
	))
	defer span.End()
	start := w.clock.Now()

	poll, err := w.source.Poll(ctx, j.task)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		j.lc.RecordError(err)
		j.logger.Warn("poll failed", zap.Error(err), zap.Int("consecutive_errors", j.lc.ConsecutiveErrors()))
		w.observer.ObservePoll(OutcomeError, w.clock.Now().Sub(start))
		return
	}
	w.sample(ctx, j, poll.MemoryBytes)
	if poll.Signals != nil {
		signals := *poll.Signals
		j.signals = &signals
	}
	w.ingest(j, poll.Records)
	if poll.Scorecard != nil {
		w.diff(j, *poll.Scorecard)
	}

	batch := w.sequencer.Pending(matchID)
	updates, err := w.updates(j, batch)
	if err != nil {
		span.RecordError(err)
		j.lc.RecordError(err)
		j.logger.Error("encode updates failed", zap.Error(err))
		w.observer.ObservePoll(OutcomeError, w.clock.Now().Sub(start))
		return
	}
	span.SetAttributes(attribute.Int("updates", len(updates)))
	if len(updates) == 0 {
		j.lc.RecordSuccess()
		w.observer.ObservePoll(OutcomeUnchanged, w.clock.Now().Sub(start))
		return
	}

	if err := w.backend.Push(ctx, fleet.Payload{MatchID: matchID, Updates: updates}); err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		j.lc.RecordError(err)
		w.observer.ObservePoll(OutcomePushError, w.clock.Now().Sub(start))
		return
	}
	w.sequencer.Commit(batch)
	j.diffs = nil
	if batch.Score != nil {
		j.score = batch.Score
	}
	if n := len(batch.Balls); n > 0 {
		j.lastBall = batch.Balls[n-1].Ball
	}
	j.lc.RecordUpdate()
	w.observer.ObservePoll(OutcomeUpdated, w.clock.Now().Sub(start))
	if w.completed(j) {
		j.complete = true
		return
	}
	w.checkpoint(ctx, j)
}

func (w *Worker) sample(ctx context.Context, j *job, memoryBytes uint64) {
	pids := 0
	if w.processes != nil {
		now := w.clock.Now()
		if j.lastSample.IsZero() || now.Sub(j.lastSample) >= w.cfg.Lifecycle.SampleInterval {
			j.lastSample = now
			n, err := w.processes.Count(ctx)
			if err != nil {
				j.logger.Debug("process count failed", zap.Error(err))
			} else {
				pids = n
			}
		} else {
			pids = j.lc.State().TotalPIDs
		}
	}
	j.lc.SampleResources(memoryBytes, pids)
}

// ingest parses records and queues what is new. Records that fail to parse
// are skipped.
func (w *Worker) ingest(j *job, records []pipeline.Record) {
	for _, rec := range records {
		res, err := w.parser.Parse(j.task.MatchID, rec)
		if err != nil {
			j.logger.Debug("skipping record", zap.Error(err))
			continue
		}
		if res.Ball != nil {
			// The tracker only reports gaps; the sequencer owns ordering and
			// dedupe, so a late ball still gets queued.
			w.tracker.Observe(*res.Ball)
			w.sequencer.OfferBall(*res.Ball)
		}
		if res.Score != nil {
			w.sequencer.OfferSnapshot(*res.Score)
		}
	}
}

func (w *Worker) diff(j *job, card cricket.Scorecard) {
	if card.MatchID == "" {
		card.MatchID = j.task.MatchID
	}
	if err := card.Validate(); err != nil {
		j.logger.Debug("skipping scorecard", zap.Error(err))
		return
	}
	j.cards[card.Innings] = card
	d := w.differ.Diff(card)
	if d.Empty() && !d.Baseline {
		return
	}
	body, err := json.Marshal(d)
	if err != nil {
		j.logger.Error("encode scorecard diff failed", zap.Error(err))
		return
	}
	now := w.clock.Now()
	seq := now.UnixNano()
	j.diffs = append(j.diffs, fleet.Update{
		MatchID:    j.task.MatchID,
		Kind:       fleet.UpdateScorecardDiff,
		Key:        fmt.Sprintf("innings-%d/%d", card.Innings, seq),
		Sequence:   seq,
		Body:       body,
		ProducedAt: now,
	})
}

// updates turns the pending batch, queued diffs, and a completion marker
// into backend updates.
func (w *Worker) updates(j *job, batch pipeline.Batch) ([]fleet.Update, error) {
	now := w.clock.Now()
	matchID := j.task.MatchID
	out := make([]fleet.Update, 0, len(batch.Balls)+len(j.diffs)+2)
	if batch.Score != nil {
		body, err := json.Marshal(batch.Score)
		if err != nil {
			return nil, fmt.Errorf("encode score: %w", err)
		}
		out = append(out, fleet.Update{
			MatchID:    matchID,
			Kind:       fleet.UpdateScore,
			Key:        "score",
			Sequence:   batch.Score.Sequence,
			Body:       body,
			ProducedAt: now,
		})
	}
	for _, ev := range batch.Balls {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode ball %s: %w", ev.Ball, err)
		}
		out = append(out, fleet.Update{
			MatchID:    matchID,
			Kind:       fleet.UpdateBall,
			Key:        strconv.FormatInt(ev.Sequence, 10),
			Sequence:   ev.Sequence,
			Body:       body,
			ProducedAt: now,
		})
	}
	out = append(out, j.diffs...)
	if w.completed(j) {
		seq := batch.LastSequence()
		if wm := w.sequencer.Watermark(matchID); wm > seq {
			seq = wm
		}
		body, err := json.Marshal(completion{
			MatchID: matchID,
			Score:   latestScore(j, batch),
			Innings: sortedCards(j.cards),
		})
		if err != nil {
			return nil, fmt.Errorf("encode completion: %w", err)
		}
		out = append(out, fleet.Update{
			MatchID:    matchID,
			Kind:       fleet.UpdateMatchComplete,
			Key:        "final",
			Sequence:   seq,
			Body:       body,
			ProducedAt: now,
		})
	}
	return out, nil
}

type completion struct {
	MatchID string                 `json:"match_id"`
	Score   *cricket.ScoreSnapshot `json:"score,omitempty"`
	Innings []cricket.Scorecard    `json:"innings"`
}

func latestScore(j *job, batch pipeline.Batch) *cricket.ScoreSnapshot {
	if batch.Score != nil {
		return batch.Score
	}
	return j.score
}

func sortedCards(cards map[int]cricket.Scorecard) []cricket.Scorecard {
	out := make([]cricket.Scorecard, 0, len(cards))
	for _, c := range cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Innings < out[k].Innings })
	return out
}

func (w *Worker) completed(j *job) bool {
	return j.signals != nil && j.signals.Phase == pipeline.PhaseComplete
}

func (w *Worker) baseInterval(j *job) time.Duration {
	signals := w.cfg.DefaultSignals
	if j.signals != nil {
		signals = *j.signals
	}
	signals.Boost += w.boost(j.task.MatchID)
	return w.priority.Interval(w.priority.Score(signals))
}

// Checkpoint metadata keys.
const (
	metaPhase      = "phase"
	metaInnings    = "innings"
	metaRetryCount = "retry_count"
)

func (w *Worker) snapshot(j *job) fleet.StateSnapshot {
	snap := fleet.StateSnapshot{
		MatchID:           j.task.MatchID,
		URL:               j.task.URL,
		LastProcessedOver: j.lastBall.Over,
		LastProcessedBall: j.lastBall.Ball,
		LastSequence:      w.sequencer.Watermark(j.task.MatchID),
		Metadata:          map[string]string{metaRetryCount: strconv.Itoa(j.task.RetryCount)},
		SnapshotTimestamp: w.clock.Now(),
	}
	if j.score != nil {
		snap.LastScore = j.score.Runs
		snap.LastWickets = j.score.Wickets
		if j.score.Innings > 0 {
			snap.Metadata[metaInnings] = strconv.Itoa(j.score.Innings)
		}
	}
	if j.signals != nil && j.signals.Phase != "" {
		snap.Metadata[metaPhase] = string(j.signals.Phase)
	}
	return snap
}

func (w *Worker) checkpoint(ctx context.Context, j *job) {
	if err := w.snapshots.Save(ctx, w.snapshot(j)); err != nil {
		j.logger.Warn("save checkpoint failed", zap.Error(err))
	}
}

// stop checkpoints and releases the match. A job stopped for a restart is
// handed back through Requeue.
func (w *Worker) stop(ctx context.Context, j *job) error {
	j.lc.RequestShutdown()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CheckpointTimeout)
	w.checkpoint(saveCtx, j)
	cancel()
	w.release(j.task.MatchID)

	restart, reason, _ := j.lc.RestartRequested()
	if !restart || ctx.Err() != nil || w.requeue == nil {
		j.logger.Info("match job stopped", zap.Bool("fleet_shutdown", ctx.Err() != nil))
		return nil
	}
	next := fleet.Task{
		MatchID:    j.task.MatchID,
		URL:        j.task.URL,
		Priority:   j.task.Priority,
		RetryCount: j.task.RetryCount + 1,
	}
	if j.signals != nil {
		next.Priority = w.priority.Class(j.signals.Phase)
	}
	j.logger.Info("match job restarting",
		zap.String("reason", reason),
		zap.Int("retry_count", next.RetryCount),
	)
	w.requeue(next)
	return nil
}

// finish closes out a completed match: the checkpoint goes, the final cards
// are archived.
func (w *Worker) finish(ctx context.Context, j *job) error {
	matchID := j.task.MatchID
	j.lc.RequestShutdown()
	if err := w.snapshots.Delete(ctx, matchID); err != nil {
		j.logger.Warn("delete checkpoint failed", zap.Error(err))
	}
	if w.archiver != nil && len(j.cards) > 0 {
		uri, err := w.archiver.Archive(ctx, matchID, sortedCards(j.cards))
		if err != nil {
			j.logger.Error("archive scorecards failed", zap.Error(err))
		} else {
			j.logger.Info("scorecards archived", zap.String("uri", uri))
		}
	}
	w.release(matchID)
	w.Boost(matchID, 0)
	j.logger.Info("match complete")
	return nil
}

func (w *Worker) release(matchID string) {
	w.source.Forget(matchID)
	w.tracker.Reset(matchID)
	w.sequencer.Forget(matchID)
	w.differ.Forget(matchID)
}
