package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

// PrometheusSink exports task lifecycle metrics.
type PrometheusSink struct {
	tasksQueued    prometheus.Counter
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec

	pageChecks *prometheus.CounterVec
	pageBytes  *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_tasks_queued_total",
			Help: "Total monitoring tasks queued.",
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewatch_tasks_started_total",
			Help: "Total monitoring tasks admitted for execution.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_tasks_completed_total",
			Help: "Total monitoring tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagewatch_tasks_running",
			Help: "Current number of running monitoring tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagewatch_task_runtime_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 60},
		}, []string{"result"}),
		pageChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_page_checks_total",
			Help: "Completed page checks partitioned by target, page status and document status class.",
		}, []string{"target", "page_status", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_page_bytes_total",
			Help: "Non-cached bytes transferred per target.",
		}, []string{"target"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksQueued,
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.pageChecks,
		s.pageBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskQueued:
		s.tasksQueued.Inc()
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskDone:
		s.finish(evt, "success")
		s.observePage(evt)
	case progress.StageTaskError:
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.tasksCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

func (s *PrometheusSink) observePage(evt progress.Event) {
	target := evt.TargetID
	if target == "" {
		target = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pageChecks.WithLabelValues(target, string(evt.PageStatus), statusClass).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(target).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// taskTracker keeps the running gauge honest when start and finish events
// arrive in separate batches or more than once.
type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
