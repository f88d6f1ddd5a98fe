// Package sqlite persists match checkpoints and the audit ring buffer in an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/clock/system"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	iduuid "github.com/JakeFAU/realtime-cricket-fleet/internal/id/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS match_snapshots (
	match_id            TEXT PRIMARY KEY,
	url                 TEXT NOT NULL DEFAULT '',
	last_processed_over INTEGER NOT NULL,
	last_processed_ball INTEGER NOT NULL,
	last_sequence       INTEGER NOT NULL,
	last_score          INTEGER NOT NULL,
	last_wickets        INTEGER NOT NULL,
	metadata            TEXT,
	snapshot_ts         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	match_id  TEXT NOT NULL DEFAULT '',
	operation TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT ''
);
`

// Config locates the database file.
type Config struct {
	Path string `mapstructure:"path"`
	// AuditCapacity bounds the audit ring buffer.
	AuditCapacity int `mapstructure:"audit_capacity"`
}

// Options carries optional collaborators.
type Options struct {
	Clock  fleet.Clock
	IDs    fleet.IDGenerator
	Logger *zap.Logger
}

// Store implements fleet.SnapshotStore and fleet.AuditLog.
type Store struct {
	db       *sqlx.DB
	capacity int
	clock    fleet.Clock
	ids      fleet.IDGenerator
	logger   *zap.Logger
}

type snapshotRow struct {
	MatchID           string         `db:"match_id"`
	URL               string         `db:"url"`
	LastProcessedOver int            `db:"last_processed_over"`
	LastProcessedBall int            `db:"last_processed_ball"`
	LastSequence      int64          `db:"last_sequence"`
	LastScore         int            `db:"last_score"`
	LastWickets       int            `db:"last_wickets"`
	Metadata          sql.NullString `db:"metadata"`
	SnapshotTS        int64          `db:"snapshot_ts"`
}

type auditRow struct {
	ID        string `db:"id"`
	TS        int64  `db:"ts"`
	Kind      string `db:"kind"`
	MatchID   string `db:"match_id"`
	Operation string `db:"operation"`
	Detail    string `db:"detail"`
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg Config, opts Options) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("snapshot.path is required")
	}
	if cfg.AuditCapacity <= 0 {
		cfg.AuditCapacity = 1000
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// One writer keeps checkpoint and trim statements serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = iduuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		capacity: cfg.AuditCapacity,
		clock:    opts.Clock,
		ids:      opts.IDs,
		logger:   opts.Logger.Named("snapshot_store"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the match's checkpoint. A zero timestamp is set to now.
func (s *Store) Save(ctx context.Context, snap fleet.StateSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if snap.SnapshotTimestamp.IsZero() {
		snap.SnapshotTimestamp = s.clock.Now()
	}
	row := snapshotRow{
		MatchID:           snap.MatchID,
		URL:               snap.URL,
		LastProcessedOver: snap.LastProcessedOver,
		LastProcessedBall: snap.LastProcessedBall,
		LastSequence:      snap.LastSequence,
		LastScore:         snap.LastScore,
		LastWickets:       snap.LastWickets,
		SnapshotTS:        snap.SnapshotTimestamp.UnixNano(),
	}
	if snap.Metadata != nil {
		meta, err := json.Marshal(snap.Metadata)
		if err != nil {
			return fmt.Errorf("marshal snapshot metadata: %w", err)
		}
		row.Metadata = sql.NullString{String: string(meta), Valid: true}
	}
	const query = `
		INSERT INTO match_snapshots (
			match_id, url, last_processed_over, last_processed_ball,
			last_sequence, last_score, last_wickets, metadata, snapshot_ts
		) VALUES (
			:match_id, :url, :last_processed_over, :last_processed_ball,
			:last_sequence, :last_score, :last_wickets, :metadata, :snapshot_ts
		)
		ON CONFLICT(match_id) DO UPDATE SET
			url = excluded.url,
			last_processed_over = excluded.last_processed_over,
			last_processed_ball = excluded.last_processed_ball,
			last_sequence = excluded.last_sequence,
			last_score = excluded.last_score,
			last_wickets = excluded.last_wickets,
			metadata = excluded.metadata,
			snapshot_ts = excluded.snapshot_ts`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.MatchID, err)
	}
	return nil
}

// Load returns the match's checkpoint. Missing and unreadable rows both
// return fleet.ErrSnapshotNotFound; unreadable rows are logged. Query and
// connection errors are returned as is.
func (s *Store) Load(ctx context.Context, matchID string) (fleet.StateSnapshot, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM match_snapshots WHERE match_id = ?`, matchID)
	if err != nil {
		return fleet.StateSnapshot{}, fmt.Errorf("load snapshot %s: %w", matchID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fleet.StateSnapshot{}, fmt.Errorf("load snapshot %s: %w", matchID, err)
		}
		return fleet.StateSnapshot{}, fleet.ErrSnapshotNotFound
	}
	snap, err := scanSnapshot(rows)
	if err != nil {
		s.logger.Warn("discarding corrupt snapshot", zap.String("match_id", matchID), zap.Error(err))
		return fleet.StateSnapshot{}, fleet.ErrSnapshotNotFound
	}
	return snap, nil
}

// Delete removes the match's checkpoint. Deleting a missing row is not an
// error.
func (s *Store) Delete(ctx context.Context, matchID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM match_snapshots WHERE match_id = ?`, matchID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", matchID, err)
	}
	return nil
}

// List returns every readable checkpoint ordered by match id.
func (s *Store) List(ctx context.Context) ([]fleet.StateSnapshot, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM match_snapshots ORDER BY match_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []fleet.StateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt snapshot", zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if out == nil {
		out = []fleet.StateSnapshot{}
	}
	return out, nil
}

// scanSnapshot reads the current row. Any error means the row itself is
// unreadable.
func scanSnapshot(rows *sqlx.Rows) (fleet.StateSnapshot, error) {
	var row snapshotRow
	if err := rows.StructScan(&row); err != nil {
		return fleet.StateSnapshot{}, fmt.Errorf("scan: %w", err)
	}
	snap, err := row.snapshot()
	if err != nil {
		return fleet.StateSnapshot{}, fmt.Errorf("snapshot %s: %w", row.MatchID, err)
	}
	return snap, nil
}

func (r snapshotRow) snapshot() (fleet.StateSnapshot, error) {
	snap := fleet.StateSnapshot{
		MatchID:           r.MatchID,
		URL:               r.URL,
		LastProcessedOver: r.LastProcessedOver,
		LastProcessedBall: r.LastProcessedBall,
		LastSequence:      r.LastSequence,
		LastScore:         r.LastScore,
		LastWickets:       r.LastWickets,
		SnapshotTimestamp: time.Unix(0, r.SnapshotTS).UTC(),
	}
	if r.Metadata.Valid {
		if err := json.Unmarshal([]byte(r.Metadata.String), &snap.Metadata); err != nil {
			return fleet.StateSnapshot{}, fmt.Errorf("metadata: %w", err)
		}
	}
	if err := snap.Validate(); err != nil {
		return fleet.StateSnapshot{}, err
	}
	return snap, nil
}

// AppendAudit inserts records and trims the oldest rows beyond capacity in
// one transaction.
func (s *Store) AppendAudit(ctx context.Context, records ...fleet.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		row := auditRow{
			ID:        rec.ID,
			TS:        rec.TS.UnixNano(),
			Kind:      rec.Kind,
			MatchID:   rec.MatchID,
			Operation: rec.Operation,
			Detail:    rec.Detail,
		}
		if row.ID == "" {
			if row.ID, err = s.ids.NewID(); err != nil {
				return fmt.Errorf("audit id: %w", err)
			}
		}
		if rec.TS.IsZero() {
			row.TS = s.clock.Now().UnixNano()
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO audit_log (id, ts, kind, match_id, operation, detail)
			VALUES (:id, :ts, :kind, :match_id, :operation, :detail)`, row); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM audit_log WHERE seq <= (SELECT MAX(seq) FROM audit_log) - ?`, s.capacity); err != nil {
		return fmt.Errorf("trim audit log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit records, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]fleet.AuditRecord, error) {
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, kind, match_id, operation, detail
		FROM audit_log ORDER BY seq DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	out := make([]fleet.AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, fleet.AuditRecord{
			ID:        r.ID,
			TS:        time.Unix(0, r.TS).UTC(),
			Kind:      r.Kind,
			MatchID:   r.MatchID,
			Operation: r.Operation,
			Detail:    r.Detail,
		})
	}
	return out, nil
}
