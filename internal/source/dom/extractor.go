// Package dom reads match state out of rendered page HTML with CSS selectors
// and serves polls from the persistent page pool.
package dom

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source"
)

// ErrNoSelectors is returned by NewExtractor when nothing is configured.
var ErrNoSelectors = errors.New("no selectors configured")

// Selectors configures extraction. Every selector is either "css" for the
// element text or "css@attr" for an attribute.
type Selectors struct {
	// Fields maps record field names to selectors.
	Fields map[string]string `mapstructure:"fields"`
	// ScriptJSON selects script elements whose text is a JSON document.
	ScriptJSON string `mapstructure:"script_json"`
	// ScriptPath is a dotted path inside the script document.
	ScriptPath string             `mapstructure:"script_path"`
	Signals    SignalSelectors    `mapstructure:"signals"`
	Scorecard  ScorecardSelectors `mapstructure:"scorecard"`
}

// SignalSelectors locate priority inputs on the page.
type SignalSelectors struct {
	Viewers    string `mapstructure:"viewers"`
	Phase      string `mapstructure:"phase"`
	Importance string `mapstructure:"importance"`
}

// ScorecardSelectors locate the innings card. Row selectors are document
// wide; cell selectors are relative to their row.
type ScorecardSelectors struct {
	Innings string `mapstructure:"innings"`
	// Total may read "143/4", in which case Wickets can be left empty.
	Total   string `mapstructure:"total"`
	Wickets string `mapstructure:"wickets"`

	BatterRows      string `mapstructure:"batter_rows"`
	BatterName      string `mapstructure:"batter_name"`
	BatterRuns      string `mapstructure:"batter_runs"`
	BatterBalls     string `mapstructure:"batter_balls"`
	BatterFours     string `mapstructure:"batter_fours"`
	BatterSixes     string `mapstructure:"batter_sixes"`
	BatterDismissal string `mapstructure:"batter_dismissal"`

	BowlerRows    string `mapstructure:"bowler_rows"`
	BowlerName    string `mapstructure:"bowler_name"`
	BowlerOvers   string `mapstructure:"bowler_overs"`
	BowlerMaidens string `mapstructure:"bowler_maidens"`
	BowlerRuns    string `mapstructure:"bowler_runs"`
	BowlerWickets string `mapstructure:"bowler_wickets"`

	FallRows   string `mapstructure:"fall_rows"`
	FallWicket string `mapstructure:"fall_wicket"`
	FallScore  string `mapstructure:"fall_score"`
	FallBatter string `mapstructure:"fall_batter"`
	FallOvers  string `mapstructure:"fall_overs"`

	Byes    string `mapstructure:"byes"`
	LegByes string `mapstructure:"leg_byes"`
	Wides   string `mapstructure:"wides"`
	NoBalls string `mapstructure:"no_balls"`
	Penalty string `mapstructure:"penalty"`
}

func (s ScorecardSelectors) enabled() bool {
	return s.BatterRows != "" || s.Total != ""
}

// Extractor applies a Selectors set to HTML documents.
type Extractor struct {
	sel Selectors
}

// NewExtractor validates that at least one thing can be extracted.
func NewExtractor(sel Selectors) (*Extractor, error) {
	if len(sel.Fields) == 0 && sel.ScriptJSON == "" && !sel.Scorecard.enabled() {
		return nil, ErrNoSelectors
	}
	return &Extractor{sel: sel}, nil
}

// Extract parses html once and returns the record, embedded JSON records,
// scorecard, and signals it finds. Missing elements are skipped; malformed
// numbers are errors.
func (e *Extractor) Extract(matchID, html string) (source.Poll, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return source.Poll{}, fmt.Errorf("parse html: %w", err)
	}
	var poll source.Poll

	if e.sel.ScriptJSON != "" {
		var scriptErr error
		doc.Find(e.sel.ScriptJSON).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			body := strings.TrimSpace(s.Text())
			if body == "" {
				return true
			}
			recs, err := source.DecodeRecords([]byte(body), e.sel.ScriptPath)
			if err != nil {
				scriptErr = fmt.Errorf("script %s: %w", e.sel.ScriptJSON, err)
				return false
			}
			poll.Records = append(poll.Records, recs...)
			return true
		})
		if scriptErr != nil {
			return source.Poll{}, scriptErr
		}
	}

	if rec := e.fields(doc.Selection); len(rec) > 0 {
		poll.Records = append(poll.Records, rec)
	}

	if e.sel.Scorecard.enabled() {
		card, err := e.scorecard(matchID, doc.Selection)
		if err != nil {
			return source.Poll{}, err
		}
		poll.Scorecard = card
	}

	signals, err := e.signals(doc.Selection)
	if err != nil {
		return source.Poll{}, err
	}
	poll.Signals = signals
	return poll, nil
}

func (e *Extractor) fields(root *goquery.Selection) pipeline.Record {
	rec := pipeline.Record{}
	for field, sel := range e.sel.Fields {
		if v, ok := text(root, sel); ok && v != "" {
			setPath(rec, field, v)
		}
	}
	return rec
}

// setPath writes v at a dotted path so the parser's nested field names work
// for scraped records too.
func setPath(rec pipeline.Record, path string, v string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(rec)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func (e *Extractor) signals(root *goquery.Selection) (*pipeline.MatchSignals, error) {
	s := e.sel.Signals
	var (
		out   pipeline.MatchSignals
		found bool
	)
	if v, ok := text(root, s.Viewers); ok && v != "" {
		n, err := number(v)
		if err != nil {
			return nil, fmt.Errorf("viewers: %w", err)
		}
		out.Viewers, found = n, true
	}
	if v, ok := text(root, s.Phase); ok && v != "" {
		out.Phase, found = pipeline.Phase(strings.ToLower(v)), true
	}
	if v, ok := text(root, s.Importance); ok && v != "" {
		out.Importance, found = pipeline.Importance(strings.ToLower(v)), true
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (e *Extractor) scorecard(matchID string, root *goquery.Selection) (*cricket.Scorecard, error) {
	s := e.sel.Scorecard
	card := cricket.Scorecard{MatchID: matchID, Innings: 1}
	var err error

	if v, ok := text(root, s.Innings); ok && v != "" {
		if card.Innings, err = number(v); err != nil {
			return nil, fmt.Errorf("innings: %w", err)
		}
	}
	total, hasTotal := text(root, s.Total)
	if hasTotal && total != "" {
		runs, wkts, split := strings.Cut(total, "/")
		if card.Total, err = number(runs); err != nil {
			return nil, fmt.Errorf("total: %w", err)
		}
		if split {
			if card.Wickets, err = number(wkts); err != nil {
				return nil, fmt.Errorf("wickets: %w", err)
			}
		}
	}
	if v, ok := text(root, s.Wickets); ok && v != "" {
		if card.Wickets, err = number(v); err != nil {
			return nil, fmt.Errorf("wickets: %w", err)
		}
	}

	if s.BatterRows != "" {
		root.Find(s.BatterRows).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			var line cricket.BatterLine
			line, err = batterLine(s, row)
			if err != nil {
				return false
			}
			if line.Name != "" {
				card.Batters = append(card.Batters, line)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if s.BowlerRows != "" {
		root.Find(s.BowlerRows).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			var line cricket.BowlerLine
			line, err = bowlerLine(s, row)
			if err != nil {
				return false
			}
			if line.Name != "" {
				card.Bowlers = append(card.Bowlers, line)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if s.FallRows != "" {
		root.Find(s.FallRows).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			var fow cricket.FallOfWicket
			fow, err = fallOfWicket(s, row)
			if err != nil {
				return false
			}
			card.FallOfWickets = append(card.FallOfWickets, fow)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if card.Extras, err = extras(s, root); err != nil {
		return nil, err
	}

	if !hasTotal && len(card.Batters) == 0 {
		return nil, nil
	}
	if err := card.Validate(); err != nil {
		return nil, fmt.Errorf("scorecard: %w", err)
	}
	return &card, nil
}

func batterLine(s ScorecardSelectors, row *goquery.Selection) (cricket.BatterLine, error) {
	name, _ := text(row, s.BatterName)
	line := cricket.BatterLine{Name: name}
	if name == "" {
		return line, nil
	}
	var err error
	for _, f := range []struct {
		sel string
		dst *int
	}{
		{s.BatterRuns, &line.Runs},
		{s.BatterBalls, &line.Balls},
		{s.BatterFours, &line.Fours},
		{s.BatterSixes, &line.Sixes},
	} {
		if *f.dst, err = intCell(row, f.sel); err != nil {
			return line, fmt.Errorf("batter %s: %w", name, err)
		}
	}
	dismissal, _ := text(row, s.BatterDismissal)
	line.Status = batterStatus(dismissal, line.Balls)
	if line.Status == cricket.BatterOut || line.Status == cricket.BatterRetired {
		line.Dismissal = dismissal
	}
	return line, nil
}

func batterStatus(dismissal string, balls int) cricket.BatterStatus {
	d := strings.ToLower(strings.TrimSpace(dismissal))
	switch {
	case d == "did not bat", d == "yet to bat", d == "" && balls == 0:
		return cricket.BatterYetToBat
	case d == "", d == "not out", d == "batting":
		return cricket.BatterBatting
	case strings.HasPrefix(d, "retired"):
		return cricket.BatterRetired
	default:
		return cricket.BatterOut
	}
}

func bowlerLine(s ScorecardSelectors, row *goquery.Selection) (cricket.BowlerLine, error) {
	name, _ := text(row, s.BowlerName)
	line := cricket.BowlerLine{Name: name}
	if name == "" {
		return line, nil
	}
	var err error
	if v, ok := text(row, s.BowlerOvers); ok {
		if line.Overs, err = cricket.ParseOvers(v); err != nil {
			return line, fmt.Errorf("bowler %s: %w", name, err)
		}
	}
	for _, f := range []struct {
		sel string
		dst *int
	}{
		{s.BowlerMaidens, &line.Maidens},
		{s.BowlerRuns, &line.Runs},
		{s.BowlerWickets, &line.Wickets},
	} {
		if *f.dst, err = intCell(row, f.sel); err != nil {
			return line, fmt.Errorf("bowler %s: %w", name, err)
		}
	}
	return line, nil
}

func fallOfWicket(s ScorecardSelectors, row *goquery.Selection) (cricket.FallOfWicket, error) {
	var (
		fow cricket.FallOfWicket
		err error
	)
	if fow.Wicket, err = intCell(row, s.FallWicket); err != nil {
		return fow, fmt.Errorf("fall of wicket: %w", err)
	}
	// Scores are often printed as "38-1".
	score, _ := text(row, s.FallScore)
	score, _, _ = strings.Cut(score, "-")
	if score != "" {
		if fow.Score, err = number(score); err != nil {
			return fow, fmt.Errorf("fall of wicket %d: %w", fow.Wicket, err)
		}
	}
	fow.Batter, _ = text(row, s.FallBatter)
	if v, ok := text(row, s.FallOvers); ok {
		if fow.Overs, err = cricket.ParseOvers(v); err != nil {
			return fow, fmt.Errorf("fall of wicket %d: %w", fow.Wicket, err)
		}
	}
	return fow, nil
}

func extras(s ScorecardSelectors, root *goquery.Selection) (cricket.Extras, error) {
	var (
		out cricket.Extras
		err error
	)
	for _, f := range []struct {
		sel string
		dst *int
	}{
		{s.Byes, &out.Byes},
		{s.LegByes, &out.LegByes},
		{s.Wides, &out.Wides},
		{s.NoBalls, &out.NoBalls},
		{s.Penalty, &out.Penalty},
	} {
		if *f.dst, err = intCell(root, f.sel); err != nil {
			return cricket.Extras{}, fmt.Errorf("extras: %w", err)
		}
	}
	return out, nil
}

// text resolves "css" or "css@attr" against root. ok is false when the
// selector is empty or matches nothing.
func text(root *goquery.Selection, selector string) (string, bool) {
	if selector == "" {
		return "", false
	}
	css, attr, hasAttr := strings.Cut(selector, "@")
	var sel *goquery.Selection
	if css == "" {
		sel = root
	} else {
		sel = root.Find(css).First()
	}
	if sel.Length() == 0 {
		return "", false
	}
	if hasAttr {
		v, ok := sel.Attr(attr)
		return strings.TrimSpace(v), ok
	}
	return strings.TrimSpace(sel.Text()), true
}

func intCell(root *goquery.Selection, selector string) (int, error) {
	v, ok := text(root, selector)
	if !ok || v == "" || v == "-" {
		return 0, nil
	}
	return number(v)
}

// number accepts integers with thousands separators, such as "12,345".
func number(v string) (int, error) {
	n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
	if err != nil {
		return 0, fmt.Errorf("%q is not a whole number", v)
	}
	return n, nil
}
