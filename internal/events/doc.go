// Package events carries the fleet's observability stream. Components emit
// typed Events into a Hub without blocking; a single dispatcher goroutine
// batches them and hands each batch to the registered Sinks (logs, Prometheus,
// the audit ring buffer).
package events
