// Package main hosts the fleet service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes liveness, readiness, metrics, the fleet health report, and match
//     start/stop/boost endpoints. A started match becomes a fleet.Task in the scheduler; it never runs inline.
//   - Scheduler & dispatcher: tasks wait in a bounded priority queue (live, imminent, completed, then background; FIFO
//     within a class) with optional admission rate limiting. A fixed pool of dispatcher goroutines sized by
//     dispatcher.workers drains it. One match runs in at most one job at a time.
//   - Jobs: internal/worker.Worker registers a lifecycle context per match, resumes from the last checkpoint, and
//     polls at an interval derived from match priority and error backoff. Each poll parses provider records, orders
//     balls by sequence, diffs innings scorecards, and pushes the batch through the guarded backend client.
//   - Sources: either a headless Chrome page per match (persistent page pool) or a pooled anonymous page per poll,
//     both read through goquery selectors plus intercepted JSON responses; or a colly JSON feed poller.
//   - Persistence & fanout: updates go to Postgres (batched idempotent upserts) or Pub/Sub (ordered by match id).
//     Checkpoints and the audit ring live in sqlite. Completed matches are archived as zstd JSON to GCS or disk.
//   - Resilience: every backend push runs through a per-dependency circuit breaker and a jittered retry policy;
//     source polls share a breaker. Jobs restart after too many errors, too long without data, too much memory,
//     or too long a lifetime, and are requeued with their retry count.
//
// Operational notes:
//   - Health: the tracker grades the fleet healthy, degraded, or unhealthy from match health, breaker state, and
//     the backend health check. Readiness flips off when the process watchdog sees leaked browser processes; the
//     watchdog then exits so the platform replaces the instance.
//   - Hygiene: a cron job kills orphaned Chrome processes that are not descendants of the live browser.
//   - Observability: zap logs carry match_id on every job line; Prometheus collectors and the event hub's sinks
//     expose queue, pool, push, and poll activity; OpenTelemetry spans cover poll cycles and backend pushes.
//   - Shutdown: SIGTERM stops intake, cancels jobs (each checkpoints with a detached timeout), and drains the
//     event hub into its sinks before the stores close.
//
// Quick checklist:
//   - Configure env vars: FLEET_SERVER_PORT or PORT, FLEET_DISPATCHER_WORKERS, FLEET_SOURCE_KIND, FLEET_BACKEND_KIND
//     plus its section, FLEET_SNAPSHOTS_SQLITE_PATH, and FLEET_ARCHIVE_KIND.
//   - Run locally: go run ./cmd/fleetd -config config.yaml, or go run . run --config config.yaml for the CLI.
package main
