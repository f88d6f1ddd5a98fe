// Package postgres provides the Postgres backend that match updates are
// upserted into.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and batching.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// BatchSize caps the statements sent in one round trip.
	BatchSize int `mapstructure:"batch_size"`
}

type batchPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Ping(context.Context) error
	Close()
}

// BatchWriter implements fleet.Backend by upserting every update keyed on
// (match_id, kind, key). A row is only replaced by an equal or newer
// sequence, so re-delivered payloads are harmless.
type BatchWriter struct {
	pool      batchPool
	table     string
	batchSize int
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*BatchWriter, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("backend.database_url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	w, err := NewWithPool(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

// NewWithPool constructs a writer from an existing pool.
func NewWithPool(pool batchPool, cfg Config) (*BatchWriter, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "match_updates"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &BatchWriter{pool: pool, table: table, batchSize: cfg.BatchSize}, nil
}

// EnsureSchema creates the updates table when missing.
func (w *BatchWriter) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	match_id    TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	key         TEXT        NOT NULL,
	sequence    BIGINT      NOT NULL,
	body        JSONB       NOT NULL,
	produced_at TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (match_id, kind, key)
)`, w.table)
	if _, err := w.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", w.table, err)
	}
	return nil
}

// Push upserts payload.Updates in batches of at most BatchSize.
func (w *BatchWriter) Push(ctx context.Context, payload fleet.Payload) error {
	query := w.upsertQuery()
	for start := 0; start < len(payload.Updates); start += w.batchSize {
		end := min(start+w.batchSize, len(payload.Updates))
		if err := w.sendBatch(ctx, query, payload.Updates[start:end]); err != nil {
			return fmt.Errorf("push %s updates %d-%d: %w", payload.MatchID, start, end-1, err)
		}
	}
	return nil
}

func (w *BatchWriter) sendBatch(ctx context.Context, query string, updates []fleet.Update) (err error) {
	batch := &pgx.Batch{}
	for _, u := range updates {
		body := []byte(u.Body)
		if len(body) == 0 {
			body = []byte("{}")
		}
		batch.Queue(query, u.MatchID, string(u.Kind), u.Key, u.Sequence, body, u.ProducedAt)
	}
	results := w.pool.SendBatch(ctx, batch)
	defer func() {
		if closeErr := results.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close batch: %w", closeErr)
		}
	}()
	for i := range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", updates[i].Kind, updates[i].Key, err)
		}
	}
	return nil
}

func (w *BatchWriter) upsertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (match_id, kind, key, sequence, body, produced_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (match_id, kind, key) DO UPDATE
SET sequence = EXCLUDED.sequence,
	body = EXCLUDED.body,
	produced_at = EXCLUDED.produced_at,
	updated_at = now()
WHERE %[1]s.sequence <= EXCLUDED.sequence`, w.table)
}

// HealthCheck pings the database.
func (w *BatchWriter) HealthCheck(ctx context.Context) bool {
	return w.pool.Ping(ctx) == nil
}

// Close releases the underlying pool resources.
func (w *BatchWriter) Close() {
	if w == nil || w.pool == nil {
		return
	}
	w.pool.Close()
}
