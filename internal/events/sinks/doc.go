// Package sinks provides events.Sink implementations: structured logs,
// Prometheus collectors, and the persistent audit ring buffer.
package sinks
