// Package main hosts the pagewatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes probes, /metrics and task management under /v1. Task creation is
//     all-or-nothing per batch of target ids; listing is newest first.
//   - Scheduler: internal/scheduler admits pending tasks oldest first, bounded by a max-concurrent setting that can
//     be reloaded from the database at runtime. Running tasks are never interrupted, including on shutdown.
//   - Page pipeline: each task opens a fresh Chrome tab (internal/browser), applies the target's device profile,
//     navigates under page-load and DOM-ready budgets, collects web vitals, classifies resources and decides whether
//     the page rendered blank. Screenshots go to the configured sink (memory/local/GCS).
//   - Persistence & fanout: tasks, metrics records, detections, settings and per-target rollups live in memory,
//     Postgres or SQLite. A completion event is published to Pub/Sub when a topic is configured, and progress events
//     are batched to log, Prometheus and store sinks.
//   - Observability: zap structured logs, Prometheus collectors on a private registry, OpenTelemetry spans per task
//     exported to Cloud Trace when a project is set.
//
// Quick checklist:
//   - Configure env vars with the PAGEWATCH_ prefix, for example PAGEWATCH_SERVER_PORT, PAGEWATCH_DB_DRIVER,
//     PAGEWATCH_DB_DSN, PAGEWATCH_STORAGE_BACKEND and PAGEWATCH_PUBSUB_TOPIC_NAME. Targets come from the config file.
//   - Run locally: go run ./cmd/pagewatch -config config.yaml
//   - Set scheduler.enqueue_interval to check every enabled target on a fixed cadence; leave it zero to enqueue only
//     through the API.
package main
