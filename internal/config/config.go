// Package config loads and validates fleet configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/breaker"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/browser/headless"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/events"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/health"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/lifecycle"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/logging"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/pool"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/retry"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/scheduler"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source/dom"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/source/httpjson"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/local"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/sqlite"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/telemetry"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. FLEET_SERVER_PORT.
const EnvPrefix = "FLEET"

// Source kinds.
const (
	SourceBrowser = "browser"
	SourceHTTP    = "http"
)

// Browser modes.
const (
	// ModePersistent keeps one page per match between polls.
	ModePersistent = "persistent"
	// ModeOneShot loads the match into a pooled anonymous page every poll.
	ModeOneShot = "oneshot"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
)

// Store kinds shared by snapshots and archives.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreLocal  = "local"
	StoreGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
	Events     events.Config    `mapstructure:"events"`
	Scheduler  scheduler.Config `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     worker.Config    `mapstructure:"worker"`
	Source     SourceConfig     `mapstructure:"source"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Snapshots  SnapshotConfig   `mapstructure:"snapshots"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Retry      retry.Config     `mapstructure:"retry"`
	Health     HealthConfig     `mapstructure:"health"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DispatcherConfig sizes the job runner.
type DispatcherConfig struct {
	Workers int `mapstructure:"workers"`
}

// SourceConfig selects and configures where match data is read from.
type SourceConfig struct {
	Kind      string           `mapstructure:"kind"`
	DOM       dom.Selectors    `mapstructure:"dom"`
	Page      dom.PageConfig   `mapstructure:"page"`
	HTTP      httpjson.Config  `mapstructure:"http"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// BrowserConfig configures the headless browser and its pools.
type BrowserConfig struct {
	Mode     string                 `mapstructure:"mode"`
	Headless headless.Config        `mapstructure:"headless"`
	Pages    browser.PagePoolConfig `mapstructure:"pages"`
	Contexts pool.Config            `mapstructure:"contexts"`
	// RecycleTimeout bounds the pool recycle run when the source breaker
	// opens.
	RecycleTimeout time.Duration `mapstructure:"recycle_timeout"`
}

// BackendConfig selects where updates are pushed.
type BackendConfig struct {
	Kind     string          `mapstructure:"kind"`
	Postgres postgres.Config `mapstructure:"postgres"`
	PubSub   pubsub.Config   `mapstructure:"pubsub"`
}

// SnapshotConfig selects the checkpoint store.
type SnapshotConfig struct {
	Kind   string        `mapstructure:"kind"`
	SQLite sqlite.Config `mapstructure:"sqlite"`
	// AuditCapacity bounds the in-memory audit ring.
	AuditCapacity int `mapstructure:"audit_capacity"`
}

// ArchiveConfig selects where final scorecards are archived.
type ArchiveConfig struct {
	Kind  string       `mapstructure:"kind"`
	Local local.Config `mapstructure:"local"`
	GCS   gcs.Config   `mapstructure:"gcs"`
}

// BreakerConfig holds breaker defaults and per-dependency overrides.
type BreakerConfig struct {
	breaker.Config `mapstructure:",squash"`
	Overrides      map[string]breaker.Config `mapstructure:"overrides"`
}

// HealthConfig governs fleet health evaluation and process hygiene.
type HealthConfig struct {
	// EvaluateSchedule is the cron spec for periodic health evaluation.
	EvaluateSchedule string `mapstructure:"evaluate_schedule"`
	// StaleSchedule is the cron spec for the stale innings sweep.
	StaleSchedule string                   `mapstructure:"stale_schedule"`
	Sweeper       health.SweeperConfig     `mapstructure:",squash"`
	Watchdog      lifecycle.WatchdogConfig `mapstructure:"watchdog"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "cricket-fleet")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 64)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "5s")

	v.SetDefault("scheduler.capacity", 256)
	v.SetDefault("scheduler.admission_rate", 0)
	v.SetDefault("scheduler.admission_burst", 10)
	v.SetDefault("dispatcher.workers", 8)

	v.SetDefault("worker.gap_alert_threshold", 1)
	v.SetDefault("worker.stale_innings_after", "5m")
	v.SetDefault("worker.checkpoint_timeout", "5s")
	v.SetDefault("worker.lifecycle.degraded_errors", 3)
	v.SetDefault("worker.lifecycle.failing_errors", 10)
	v.SetDefault("worker.lifecycle.degraded_staleness", "2m")
	v.SetDefault("worker.lifecycle.failing_staleness", "10m")
	v.SetDefault("worker.lifecycle.memory_hard_limit_bytes", uint64(1<<30))
	v.SetDefault("worker.lifecycle.max_lifetime", "6h")
	v.SetDefault("worker.lifecycle.max_staleness", "15m")
	v.SetDefault("worker.lifecycle.max_consecutive_errors", 20)
	v.SetDefault("worker.lifecycle.max_memory_bytes", uint64(768<<20))
	v.SetDefault("worker.lifecycle.restart_grace", "10s")
	v.SetDefault("worker.lifecycle.sample_interval", "30s")
	v.SetDefault("worker.backoff.max", "2m")
	v.SetDefault("worker.backoff.jitter", "1s")
	v.SetDefault("worker.default_signals.phase", "middle")
	v.SetDefault("worker.default_signals.importance", "domestic")

	v.SetDefault("source.kind", SourceBrowser)
	v.SetDefault("source.page.max_responses", 256)
	v.SetDefault("source.http.user_agent", "cricket-fleet/1.0")
	v.SetDefault("source.http.timeout", "10s")
	v.SetDefault("source.rate_limit.capacity", 4)
	v.SetDefault("source.rate_limit.rate_per_second", 2.0)

	v.SetDefault("browser.mode", ModePersistent)
	v.SetDefault("browser.headless.navigation_timeout", "45s")
	v.SetDefault("browser.headless.settle_delay", "500ms")
	v.SetDefault("browser.headless.response_buffer", 128)
	v.SetDefault("browser.pages.max_pages", 8)
	v.SetDefault("browser.pages.max_age", "2h")
	v.SetDefault("browser.pages.max_errors", 5)
	v.SetDefault("browser.pages.shutdown_grace", "5s")
	v.SetDefault("browser.recycle_timeout", "1m")
	v.SetDefault("browser.contexts.max_size", 4)
	v.SetDefault("browser.contexts.max_age", "30m")
	v.SetDefault("browser.contexts.max_errors", 3)

	v.SetDefault("backend.kind", BackendMemory)
	v.SetDefault("backend.postgres.table", "match_updates")
	v.SetDefault("backend.postgres.max_conns", 8)
	v.SetDefault("backend.postgres.batch_size", 100)

	v.SetDefault("snapshots.kind", StoreSQLite)
	v.SetDefault("snapshots.sqlite.path", "data/fleet.db")
	v.SetDefault("snapshots.sqlite.audit_capacity", 10000)
	v.SetDefault("snapshots.audit_capacity", 10000)

	v.SetDefault("archive.kind", StoreNone)
	v.SetDefault("archive.local.base_dir", "data/archive")
	v.SetDefault("archive.gcs.prefix", "scorecards")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter", "100ms")

	v.SetDefault("health.evaluate_schedule", "@every 30s")
	v.SetDefault("health.stale_schedule", "@every 1m")
	v.SetDefault("health.process_name", "chrome")
	v.SetDefault("health.orphan_min_age", "5m")
	v.SetDefault("health.orphan_sweep_schedule", "@every 5m")
	v.SetDefault("health.watchdog.enabled", true)
	v.SetDefault("health.watchdog.max_processes", 200)
	v.SetDefault("health.watchdog.interval", "30s")
	v.SetDefault("health.watchdog.propagation_delay", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be > 0")
	}
	if c.Scheduler.Capacity <= 0 {
		return fmt.Errorf("scheduler.capacity must be > 0")
	}
	switch c.Source.Kind {
	case SourceBrowser:
		if c.Browser.Mode != ModePersistent && c.Browser.Mode != ModeOneShot {
			return fmt.Errorf("browser.mode must be %q or %q, got %q", ModePersistent, ModeOneShot, c.Browser.Mode)
		}
	case SourceHTTP:
	default:
		return fmt.Errorf("source.kind must be %q or %q, got %q", SourceBrowser, SourceHTTP, c.Source.Kind)
	}
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendPostgres:
		if c.Backend.Postgres.DatabaseURL == "" {
			return fmt.Errorf("backend.postgres.database_url is required for the postgres backend")
		}
	case BackendPubSub:
		if c.Backend.PubSub.ProjectID == "" || c.Backend.PubSub.TopicID == "" {
			return fmt.Errorf("backend.pubsub.project_id and topic_id are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown backend.kind %q", c.Backend.Kind)
	}
	switch c.Snapshots.Kind {
	case StoreMemory:
	case StoreSQLite:
		if c.Snapshots.SQLite.Path == "" {
			return fmt.Errorf("snapshots.sqlite.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown snapshots.kind %q", c.Snapshots.Kind)
	}
	switch c.Archive.Kind {
	case StoreNone:
	case StoreLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case StoreGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.kind %q", c.Archive.Kind)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	return nil
}
