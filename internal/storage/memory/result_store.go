package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
)

// ResultStore provides an in-memory monitor.ResultStore seeded with targets.
type ResultStore struct {
	mu          sync.RWMutex
	targets     map[string]monitor.Target
	blankScreen monitor.BlankScreenConfig
	taskConfig  monitor.TaskConfig
	metrics     []monitor.MetricsRecord
	detections  []monitor.Detection
	stats       map[string]sinks.TargetStatsDelta
}

// NewResultStore constructs a ResultStore.
func NewResultStore(targets []monitor.Target, blankScreen monitor.BlankScreenConfig, taskConfig monitor.TaskConfig) *ResultStore {
	s := &ResultStore{
		targets:     make(map[string]monitor.Target, len(targets)),
		blankScreen: blankScreen,
		taskConfig:  taskConfig,
		stats:       make(map[string]sinks.TargetStatsDelta),
	}
	for _, target := range targets {
		s.targets[target.ID] = target
	}
	return s
}

// SaveMetrics appends a vitals record.
func (s *ResultStore) SaveMetrics(_ context.Context, record monitor.MetricsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, record)
	return nil
}

// SaveDetection appends a blank-screen detection.
func (s *ResultStore) SaveDetection(_ context.Context, detection monitor.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, detection)
	return nil
}

// BlankScreenConfig returns the classifier configuration.
func (s *ResultStore) BlankScreenConfig(context.Context) (monitor.BlankScreenConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.blankScreen
	cfg.ErrorKeywords = append([]string(nil), cfg.ErrorKeywords...)
	cfg.ErrorStatusCodes = append([]int(nil), cfg.ErrorStatusCodes...)
	return cfg, nil
}

// SetBlankScreenConfig replaces the classifier configuration.
func (s *ResultStore) SetBlankScreenConfig(cfg monitor.BlankScreenConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blankScreen = cfg
}

// TaskConfig returns the scheduler configuration.
func (s *ResultStore) TaskConfig(context.Context) (monitor.TaskConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.taskConfig, nil
}

// SetTaskConfig replaces the scheduler configuration.
func (s *ResultStore) SetTaskConfig(cfg monitor.TaskConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskConfig = cfg
}

// Target fetches one target.
func (s *ResultStore) Target(_ context.Context, id string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrTargetNotFound)
	}
	return target, nil
}

// Targets lists all targets ordered by ID.
func (s *ResultStore) Targets(context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, target)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertTargetStats folds a delta into the running totals for a target.
func (s *ResultStore) UpsertTargetStats(_ context.Context, delta sinks.TargetStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stats[delta.TargetID]
	if !ok {
		s.stats[delta.TargetID] = delta
		return nil
	}
	cur.Runs += delta.Runs
	cur.Failures += delta.Failures
	cur.Blank += delta.Blank
	cur.Bytes += delta.Bytes
	if !delta.At.Before(cur.At) {
		cur.At = delta.At
		cur.LastStatus = delta.LastStatus
	}
	s.stats[delta.TargetID] = cur
	return nil
}

// TargetStats returns the accumulated totals for a target.
func (s *ResultStore) TargetStats(_ context.Context, id string) (sinks.TargetStatsDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.stats[id]
	if !ok {
		return sinks.TargetStatsDelta{}, fmt.Errorf("stats for %s: %w", id, monitor.ErrTargetNotFound)
	}
	return stats, nil
}

// Metrics returns a copy of the saved vitals records.
func (s *ResultStore) Metrics() []monitor.MetricsRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]monitor.MetricsRecord(nil), s.metrics...)
}

// Detections returns a copy of the saved detections.
func (s *ResultStore) Detections() []monitor.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]monitor.Detection(nil), s.detections...)
}
