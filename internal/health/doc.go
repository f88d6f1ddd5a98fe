// Package health grades the fleet as a whole. The Tracker folds match health,
// breaker state, pool occupancy, backend reachability, and the process
// watchdog into one status; the OrphanSweeper and ProcessCounter inspect
// the process table through gopsutil; Cron runs both on a schedule.
package health
