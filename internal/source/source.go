// Package source defines what one poll of a match produces and the helpers
// shared by the concrete sources.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pipeline"
)

// ErrNotJSON is returned when a body is not a JSON object or array.
var ErrNotJSON = errors.New("body is not a json object or array")

// Poll is everything a source observed for a match in one cycle.
type Poll struct {
	// Records are raw provider records in the order they were observed.
	Records []pipeline.Record
	// Scorecard is set when the source could read a full innings card.
	Scorecard *cricket.Scorecard
	// Signals carries priority inputs the page exposed, if any.
	Signals *pipeline.MatchSignals
	// MemoryBytes is the page heap sample, 0 when unavailable.
	MemoryBytes uint64
}

// Empty reports whether the poll observed nothing.
func (p Poll) Empty() bool {
	return len(p.Records) == 0 && p.Scorecard == nil
}

// DecodeRecords reads a JSON object or an array of objects. path, when set,
// is a dotted path to the object or array inside the document. Numbers are
// kept as json.Number.
func DecodeRecords(body []byte, path string) ([]pipeline.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode records: trailing data after document")
	}
	if path != "" {
		v, ok := pipeline.Record{"$": doc}.Lookup("$." + path)
		if !ok {
			return nil, fmt.Errorf("decode records: path %q not found", path)
		}
		doc = v
	}
	switch v := doc.(type) {
	case map[string]any:
		return []pipeline.Record{v}, nil
	case []any:
		out := make([]pipeline.Record, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		return nil, ErrNotJSON
	}
}
