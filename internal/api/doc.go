// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to queue checks, GET/DELETE /v1/tasks/{task_id} to inspect
//     or remove them, GET /v1/tasks/stats for counts.
//   - POST /v1/scheduler/reload to re-read the concurrency bound.
//   - GET /v1/targets and /v1/targets/{target_id}/stats for per-target rollups.
package api
