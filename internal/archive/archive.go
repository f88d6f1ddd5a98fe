// Package archive stores the final scorecards of completed matches as
// zstd-compressed JSON documents in a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/hash/sha256"
)

// ContentType is the media type of archived objects.
const ContentType = "application/zstd"

// Record is the archived document for one match.
type Record struct {
	MatchID    string              `json:"match_id"`
	ArchivedAt time.Time           `json:"archived_at"`
	Innings    []cricket.Scorecard `json:"innings"`
}

// Hasher digests the uncompressed document for the archive log.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Options carries optional collaborators for New.
type Options struct {
	// Level defaults to zstd.SpeedDefault.
	Level zstd.EncoderLevel
	// Hasher defaults to SHA-256.
	Hasher Hasher
	Clock  fleet.Clock
	Logger *zap.Logger
}

// Archiver compresses and uploads final scorecards.
type Archiver struct {
	store  fleet.BlobStore
	enc    *zstd.Encoder
	hasher Hasher
	clock  fleet.Clock
	logger *zap.Logger
}

// New builds an Archiver writing to store.
func New(store fleet.BlobStore, opts Options) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive requires a blob store")
	}
	if opts.Level == 0 {
		opts.Level = zstd.SpeedDefault
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Archiver{
		store:  store,
		enc:    enc,
		hasher: opts.Hasher,
		clock:  opts.Clock,
		logger: opts.Logger.Named("archive"),
	}, nil
}

// Path returns the object path used for matchID.
func Path(matchID string) string {
	return "matches/" + url.PathEscape(matchID) + "/scorecard.json.zst"
}

// Archive writes the scorecards of every innings, ordered by innings, and
// returns the stored object's URI.
func (a *Archiver) Archive(ctx context.Context, matchID string, cards []cricket.Scorecard) (string, error) {
	if matchID == "" {
		return "", errors.New("archive requires a match id")
	}
	if len(cards) == 0 {
		return "", fmt.Errorf("archive %s: no scorecards", matchID)
	}
	ordered := append([]cricket.Scorecard(nil), cards...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Innings < ordered[j].Innings })

	raw, err := json.Marshal(Record{MatchID: matchID, ArchivedAt: a.clock.Now().UTC(), Innings: ordered})
	if err != nil {
		return "", fmt.Errorf("marshal archive %s: %w", matchID, err)
	}
	digest, err := a.hasher.Hash(raw)
	if err != nil {
		return "", fmt.Errorf("digest archive %s: %w", matchID, err)
	}
	compressed := a.enc.EncodeAll(raw, make([]byte, 0, len(raw)/3))
	uri, err := a.store.PutObject(ctx, Path(matchID), ContentType, bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("upload archive %s: %w", matchID, err)
	}
	a.logger.Info("match archived",
		zap.String("match_id", matchID),
		zap.String("uri", uri),
		zap.Int("innings", len(ordered)),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("compressed_bytes", len(compressed)),
		zap.String("digest", digest),
	)
	return uri, nil
}

// Close releases encoder resources.
func (a *Archiver) Close() error {
	return a.enc.Close()
}

// Decode reverses Archive for a stored object body.
func Decode(data []byte) (Record, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return Record{}, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Record{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode archive: %w", err)
	}
	return rec, nil
}
