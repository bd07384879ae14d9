// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and per-target rollups persisted through a repository.
package sinks
