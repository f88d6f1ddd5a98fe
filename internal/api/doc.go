// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/health for the graded fleet report.
//   - GET, POST /v1/matches and GET, DELETE /v1/matches/{match_id} to list,
//     start, inspect, and stop match jobs.
//   - POST /v1/matches/{match_id}/boost to raise a match's priority.
package api
