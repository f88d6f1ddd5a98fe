package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
)

// Record is one raw provider record as decoded from JSON or scraped from a
// page. Nested objects are addressed with dotted field paths.
type Record map[string]any

// Lookup resolves a dotted path. Explicit nulls count as missing.
func (r Record) Lookup(path string) (any, bool) {
	return lookup(r, path)
}

// FieldMap names the record fields the parser reads.
type FieldMap struct {
	MatchID      string `mapstructure:"match_id"`
	Sequence     string `mapstructure:"sequence"`
	Innings      string `mapstructure:"innings"`
	Runs         string `mapstructure:"runs"`
	Wickets      string `mapstructure:"wickets"`
	Overs        string `mapstructure:"overs"`
	RunRate      string `mapstructure:"run_rate"`
	Target       string `mapstructure:"target"`
	RequiredRate string `mapstructure:"required_rate"`
	Ball         string `mapstructure:"ball"`
	BallRuns     string `mapstructure:"ball_runs"`
	Extras       string `mapstructure:"extras"`
	ExtrasKind   string `mapstructure:"extras_kind"`
	WicketPlayer string `mapstructure:"wicket_player"`
	WicketKind   string `mapstructure:"wicket_kind"`
	WicketBowler string `mapstructure:"wicket_bowler"`
}

// DefaultFieldMap matches the flat record shape produced by the fleet's own
// sources.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		MatchID:      "match_id",
		Sequence:     "sequence",
		Innings:      "innings",
		Runs:         "runs",
		Wickets:      "wickets",
		Overs:        "overs",
		RunRate:      "run_rate",
		Target:       "target",
		RequiredRate: "required_rate",
		Ball:         "ball",
		BallRuns:     "ball_runs",
		Extras:       "extras",
		ExtrasKind:   "extras_kind",
		WicketPlayer: "wicket.player_out",
		WicketKind:   "wicket.kind",
		WicketBowler: "wicket.bowler",
	}
}

// Result holds whatever a record described. Either field may be nil.
type Result struct {
	Score *cricket.ScoreSnapshot
	Ball  *cricket.BallEvent
}

// Empty reports whether the record carried neither a score nor a ball.
func (r Result) Empty() bool {
	return r.Score == nil && r.Ball == nil
}

// ScoreParser converts records into validated cricket entities.
type ScoreParser struct {
	fields FieldMap
}

// NewScoreParser builds a parser. Empty field names fall back to defaults.
func NewScoreParser(fields FieldMap) *ScoreParser {
	def := DefaultFieldMap()
	fill := func(dst *string, fallback string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = fallback
		}
	}
	fill(&fields.MatchID, def.MatchID)
	fill(&fields.Sequence, def.Sequence)
	fill(&fields.Innings, def.Innings)
	fill(&fields.Runs, def.Runs)
	fill(&fields.Wickets, def.Wickets)
	fill(&fields.Overs, def.Overs)
	fill(&fields.RunRate, def.RunRate)
	fill(&fields.Target, def.Target)
	fill(&fields.RequiredRate, def.RequiredRate)
	fill(&fields.Ball, def.Ball)
	fill(&fields.BallRuns, def.BallRuns)
	fill(&fields.Extras, def.Extras)
	fill(&fields.ExtrasKind, def.ExtrasKind)
	fill(&fields.WicketPlayer, def.WicketPlayer)
	fill(&fields.WicketKind, def.WicketKind)
	fill(&fields.WicketBowler, def.WicketBowler)
	return &ScoreParser{fields: fields}
}

// Parse reads one record for matchID; a match id inside the record wins.
// A record with no score and no ball yields an empty Result and no error.
func (p *ScoreParser) Parse(matchID string, rec Record) (Result, error) {
	f := p.fields
	if id, ok, err := stringField(rec, f.MatchID); err != nil {
		return Result{}, err
	} else if ok && id != "" {
		matchID = id
	}
	innings, _, err := intField(rec, f.Innings)
	if err != nil {
		return Result{}, err
	}
	if innings == 0 {
		innings = 1
	}
	seq, hasSeq, err := int64Field(rec, f.Sequence)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if _, ok := lookup(rec, f.Runs); ok {
		score, err := p.parseScore(matchID, rec, innings, seq, hasSeq)
		if err != nil {
			return Result{}, err
		}
		res.Score = &score
	}
	if _, ok := lookup(rec, f.Ball); ok {
		ball, err := p.parseBall(matchID, rec, innings, seq, hasSeq)
		if err != nil {
			return Result{}, err
		}
		res.Ball = &ball
	}
	return res, nil
}

func (p *ScoreParser) parseScore(matchID string, rec Record, innings int, seq int64, hasSeq bool) (cricket.ScoreSnapshot, error) {
	f := p.fields
	runs, _, err := intField(rec, f.Runs)
	if err != nil {
		return cricket.ScoreSnapshot{}, err
	}
	wickets, _, err := intField(rec, f.Wickets)
	if err != nil {
		return cricket.ScoreSnapshot{}, err
	}
	overs, err := oversField(rec, f.Overs)
	if err != nil {
		return cricket.ScoreSnapshot{}, err
	}
	in := cricket.ScoreInput{
		MatchID:  matchID,
		Sequence: seq,
		Innings:  innings,
		Runs:     runs,
		Wickets:  wickets,
		Overs:    overs,
	}
	if !hasSeq {
		in.Sequence = DeriveSequence(innings, overs.TotalBalls())
	}
	if v, ok, err := floatField(rec, f.RunRate); err != nil {
		return cricket.ScoreSnapshot{}, err
	} else if ok {
		in.RunRate = &v
	}
	if v, ok, err := intField(rec, f.Target); err != nil {
		return cricket.ScoreSnapshot{}, err
	} else if ok {
		in.Target = &v
	}
	if v, ok, err := floatField(rec, f.RequiredRate); err != nil {
		return cricket.ScoreSnapshot{}, err
	} else if ok {
		in.RequiredRate = &v
	}
	snap, err := cricket.NewScoreSnapshot(in)
	if err != nil {
		return cricket.ScoreSnapshot{}, fmt.Errorf("parse score: %w", err)
	}
	return snap, nil
}

func (p *ScoreParser) parseBall(matchID string, rec Record, innings int, seq int64, hasSeq bool) (cricket.BallEvent, error) {
	f := p.fields
	ball, err := ballField(rec, f.Ball)
	if err != nil {
		return cricket.BallEvent{}, err
	}
	runs, _, err := intField(rec, f.BallRuns)
	if err != nil {
		return cricket.BallEvent{}, err
	}
	extras, _, err := intField(rec, f.Extras)
	if err != nil {
		return cricket.BallEvent{}, err
	}
	if !hasSeq {
		seq = DeriveSequence(innings, ball.TotalBalls())
	}
	var wicket *cricket.Wicket
	if player, ok, err := stringField(rec, f.WicketPlayer); err != nil {
		return cricket.BallEvent{}, err
	} else if ok && player != "" {
		kind, _, _ := stringField(rec, f.WicketKind)
		bowler, _, _ := stringField(rec, f.WicketBowler)
		wicket = &cricket.Wicket{PlayerOut: player, Kind: kind, Bowler: bowler}
	}
	ev, err := cricket.NewBallEvent(matchID, ball, runs, seq, extras, wicket)
	if err != nil {
		return cricket.BallEvent{}, fmt.Errorf("parse ball: %w", err)
	}
	if kind, ok, _ := stringField(rec, f.ExtrasKind); ok {
		ev.ExtrasKind = kind
	}
	return ev, nil
}

// DeriveSequence orders updates from providers that publish no sequence
// number: innings first, then legal deliveries bowled.
func DeriveSequence(innings, totalBalls int) int64 {
	return int64(innings)*100_000 + int64(totalBalls)
}

func lookup(rec Record, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(rec)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if r, isRec := cur.(Record); isRec {
				m = r
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

var errNotNumeric = errors.New("not numeric")

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, errNotNumeric
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, errNotNumeric
	}
}

func floatField(rec Record, path string) (float64, bool, error) {
	v, ok := lookup(rec, path)
	if !ok {
		return 0, false, nil
	}
	f, err := toFloat(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("field %s: %v is not a number", path, v)
	}
	return f, true, nil
}

func int64Field(rec Record, path string) (int64, bool, error) {
	f, ok, err := floatField(rec, path)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("field %s: %v is not an integer", path, f)
	}
	return int64(f), true, nil
}

func intField(rec Record, path string) (int, bool, error) {
	v, ok, err := int64Field(rec, path)
	return int(v), ok, err
}

func stringField(rec Record, path string) (string, bool, error) {
	v, ok := lookup(rec, path)
	if !ok {
		return "", false, nil
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), true, nil
	case json.Number:
		return s.String(), true, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true, nil
	case int, int64:
		return fmt.Sprint(s), true, nil
	default:
		return "", false, fmt.Errorf("field %s: %v is not a string", path, v)
	}
}

func ballField(rec Record, path string) (cricket.BallNumber, error) {
	v, _ := lookup(rec, path)
	if s, ok := v.(string); ok {
		return cricket.ParseBallNumber(s)
	}
	f, err := toFloat(v)
	if err != nil {
		return cricket.BallNumber{}, fmt.Errorf("field %s: %w: %v", path, cricket.ErrInvalidBall, v)
	}
	return cricket.BallNumberFromFloat(f)
}

func oversField(rec Record, path string) (cricket.Overs, error) {
	v, ok := lookup(rec, path)
	if !ok {
		return cricket.Overs{}, nil
	}
	if s, isStr := v.(string); isStr {
		return cricket.ParseOvers(s)
	}
	f, err := toFloat(v)
	if err != nil {
		return cricket.Overs{}, fmt.Errorf("field %s: %w: %v", path, cricket.ErrInvalidScore, v)
	}
	return cricket.ParseOvers(strconv.FormatFloat(f, 'f', 1, 64))
}
