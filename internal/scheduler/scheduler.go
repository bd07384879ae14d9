// Package scheduler owns monitoring task lifetimes. A single dispatch loop
// admits pending tasks up to a reloadable concurrency bound and runs each one
// through the navigation pipeline on its own goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTickInterval   = time.Second
	DefaultPersistTimeout = 10 * time.Second
)

// Pipeline runs one task end to end. navigator.Controller satisfies it.
type Pipeline interface {
	Run(ctx context.Context, task monitor.Task) (monitor.Result, error)
}

var errInterrupted = errors.New("interrupted by restart")

const tracerName = "github.com/JakeFAU/pagewatch/internal/scheduler"

// Observer receives every finished task. result is nil when the pipeline failed.
type Observer interface {
	ObserveTask(task monitor.Task, result *monitor.Result)
}

// Config controls the dispatch loop.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int
	// CompletionTopic enables completion events when set and a publisher is wired.
	CompletionTopic string
	PersistTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = monitor.DefaultMaxConcurrent
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

// Scheduler queues and executes monitoring tasks.
type Scheduler struct {
	cfg       Config
	tasks     monitor.TaskStore
	results   monitor.ResultStore
	pipeline  Pipeline
	publisher monitor.Publisher
	events    progress.Emitter
	observer  Observer
	ids       monitor.IDGenerator
	clock     monitor.Clock
	logger    *zap.Logger

	maxConcurrent atomic.Int64
	running       atomic.Int64
	done          chan string
	started       atomic.Bool
	background    sync.WaitGroup
}

// New wires a Scheduler. publisher, events and observer may be nil.
func New(
	cfg Config,
	tasks monitor.TaskStore,
	results monitor.ResultStore,
	pipeline Pipeline,
	publisher monitor.Publisher,
	events progress.Emitter,
	observer Observer,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.Nop{}
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		tasks:     tasks,
		results:   results,
		pipeline:  pipeline,
		publisher: publisher,
		events:    events,
		observer:  observer,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		done:      make(chan string),
	}
	s.maxConcurrent.Store(int64(cfg.MaxConcurrent))
	return s
}

// Run drives the dispatch loop until ctx ends, then stops admitting and waits
// for running tasks and pending writes. Running tasks are never interrupted.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// running is only touched by this goroutine.
	running := make(map[string]struct{})
	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int64("max_concurrent", s.maxConcurrent.Load()),
	)
	s.recoverInterrupted(ctx)
	s.admit(ctx, running)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", zap.Int("running", len(running)))
			for len(running) > 0 {
				s.release(running, <-s.done)
			}
			s.background.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case id := <-s.done:
			s.release(running, id)
			s.admit(ctx, running)
		case <-ticker.C:
			s.admit(ctx, running)
		}
	}
}

// recoverInterrupted fails tasks a previous process left running. No task of
// this process is running yet, so every such row is stale.
func (s *Scheduler) recoverInterrupted(ctx context.Context) {
	stale, err := s.tasks.ListTasks(ctx, monitor.TaskFilter{Status: monitor.TaskRunning})
	if err != nil {
		s.logger.Error("list interrupted tasks failed", zap.Error(err))
		return
	}
	for _, task := range stale {
		completedAt := s.clock.Now()
		task.Status = monitor.TaskFailed
		task.PageStatus = monitor.PageUnknown
		task.Error = errInterrupted.Error()
		task.CompletedAt = &completedAt
		if task.StartedAt != nil {
			d := completedAt.Sub(*task.StartedAt).Milliseconds()
			task.DurationMs = &d
		}
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			s.logger.Error("fail interrupted task failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("interrupted task marked failed", zap.String("task_id", task.ID), zap.String("target_id", task.TargetID))
	}
}

func (s *Scheduler) release(running map[string]struct{}, id string) {
	delete(running, id)
	s.running.Store(int64(len(running)))
}

// admit starts up to the free slot count of pending tasks, oldest first.
func (s *Scheduler) admit(ctx context.Context, running map[string]struct{}) {
	if ctx.Err() != nil {
		return
	}
	slots := int(s.maxConcurrent.Load()) - len(running)
	if slots <= 0 {
		return
	}
	pending, err := s.tasks.ListTasks(ctx, monitor.TaskFilter{Status: monitor.TaskPending, Limit: slots})
	if err != nil {
		s.logger.Error("list pending tasks failed", zap.Error(err))
		return
	}
	for _, task := range pending {
		if len(running) >= int(s.maxConcurrent.Load()) {
			return
		}
		if _, ok := running[task.ID]; ok {
			continue
		}
		startedAt := s.clock.Now()
		task.Status = monitor.TaskRunning
		task.PageStatus = monitor.PageChecking
		task.StartedAt = &startedAt
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			s.logger.Error("mark task running failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		running[task.ID] = struct{}{}
		s.running.Store(int64(len(running)))
		s.events.Emit(progress.Event{
			TaskID:   task.ID,
			TargetID: task.TargetID,
			TS:       startedAt,
			Stage:    progress.StageTaskStart,
			URL:      task.TargetURL,
			Device:   task.Device,
		})
		// Tasks outlive shutdown: only navigation budgets end them.
		go s.execute(context.WithoutCancel(ctx), task)
	}
}

// execute runs the pipeline and records the outcome. It always reports back
// on s.done so the slot is freed.
func (s *Scheduler) execute(ctx context.Context, task monitor.Task) {
	defer func() { s.done <- task.ID }()
	logger := s.logger.With(zap.String("task_id", task.ID), zap.String("target_id", task.TargetID))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.execute")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("target.id", task.TargetID),
		attribute.String("url.full", task.TargetURL),
	)
	defer span.End()

	result, err := s.runPipeline(ctx, task)
	completedAt := s.clock.Now()
	task.CompletedAt = &completedAt
	if task.StartedAt != nil {
		d := completedAt.Sub(*task.StartedAt).Milliseconds()
		task.DurationMs = &d
	}

	var outcome *monitor.Result
	if err != nil {
		task.Status = monitor.TaskFailed
		task.PageStatus = monitor.PageUnknown
		task.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		logger.Warn("task failed", zap.Error(err))
	} else {
		outcome = &result
		task.Status = monitor.TaskSuccess
		task.PageStatus = pageStatus(result)
		task.ResultID = result.Detection.ID
		task.SessionID = result.SessionID
		task.Screenshots = append([]string{}, result.Screenshots...)
		task.ResourceStats = result.ResourceStats
		logger.Info("task completed",
			zap.String("page_status", string(task.PageStatus)),
			zap.Bool("blank_screen", result.Detection.IsBlankScreen),
		)
	}

	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		logger.Error("record task outcome failed", zap.Error(err))
	}
	if outcome != nil {
		s.persist(ctx, task, *outcome)
	}
	s.publish(ctx, task, outcome)
	if s.observer != nil {
		s.observer.ObserveTask(task, outcome)
	}
	s.events.Emit(completionEvent(task, outcome))
}

// runPipeline converts a panic into a task failure so it cannot take down the
// dispatch loop.
func (s *Scheduler) runPipeline(ctx context.Context, task monitor.Task) (result monitor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	if s.pipeline == nil {
		return monitor.Result{}, errors.New("no pipeline configured")
	}
	return s.pipeline.Run(ctx, task)
}

func pageStatus(result monitor.Result) monitor.PageStatus {
	if result.Detection.IsBlankScreen || result.LoadStatus.NavigationError != "" {
		return monitor.PageAbnormal
	}
	return monitor.PageNormal
}

// persist writes metrics and the detection in the background.
func (s *Scheduler) persist(ctx context.Context, task monitor.Task, result monitor.Result) {
	if s.results == nil {
		return
	}
	metricsID, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate metrics id failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	record := monitor.MetricsRecord{
		ID:            metricsID,
		TaskID:        task.ID,
		TargetID:      task.TargetID,
		SessionID:     result.SessionID,
		URL:           task.TargetURL,
		Device:        task.Device,
		Timestamp:     s.clock.Now(),
		Vitals:        result.Vitals,
		ResourceStats: result.ResourceStats,
		Screenshots:   task.Screenshots,
	}
	s.goBackground(ctx, func(ctx context.Context) {
		if err := s.results.SaveMetrics(ctx, record); err != nil {
			s.logger.Error("save metrics failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		if err := s.results.SaveDetection(ctx, result.Detection); err != nil {
			s.logger.Error("save detection failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
}

func (s *Scheduler) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
		defer cancel()
		fn(writeCtx)
	}()
}

func completionEvent(task monitor.Task, result *monitor.Result) progress.Event {
	evt := progress.Event{
		TaskID:     task.ID,
		TargetID:   task.TargetID,
		TS:         *task.CompletedAt,
		URL:        task.TargetURL,
		Device:     task.Device,
		PageStatus: task.PageStatus,
	}
	if task.DurationMs != nil {
		evt.Dur = time.Duration(*task.DurationMs) * time.Millisecond
	}
	if result == nil {
		evt.Stage = progress.StageTaskError
		evt.Note = task.Error
		return evt
	}
	evt.Stage = progress.StageTaskDone
	evt.BlankScreen = result.Detection.IsBlankScreen
	if resp := result.LoadStatus.HTTPResponse; resp != nil {
		evt.StatusClass = progress.ClassifyStatus(resp.StatusCode)
	} else {
		evt.StatusClass = progress.StatusOther
	}
	if stats := result.ResourceStats; stats != nil {
		evt.Bytes = stats.TotalSize
		evt.Resources = stats.TotalCount
	}
	return evt
}

// Enqueue creates a pending task for targetID.
func (s *Scheduler) Enqueue(ctx context.Context, targetID string) (string, error) {
	target, err := s.target(ctx, targetID)
	if err != nil {
		return "", err
	}
	return s.create(ctx, target)
}

// EnqueueBatch resolves every target before creating any task, so an unknown
// id enqueues nothing.
func (s *Scheduler) EnqueueBatch(ctx context.Context, targetIDs []string) ([]string, error) {
	targets := make([]monitor.Target, 0, len(targetIDs))
	for _, id := range targetIDs {
		target, err := s.target(ctx, id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return s.createAll(ctx, targets)
}

// EnqueueAll queues one task per enabled target.
func (s *Scheduler) EnqueueAll(ctx context.Context) ([]string, error) {
	all, err := s.results.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	enabled := make([]monitor.Target, 0, len(all))
	for _, target := range all {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return s.createAll(ctx, enabled)
}

func (s *Scheduler) createAll(ctx context.Context, targets []monitor.Target) ([]string, error) {
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		id, err := s.create(ctx, target)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Scheduler) target(ctx context.Context, id string) (monitor.Target, error) {
	if id == "" {
		return monitor.Target{}, fmt.Errorf("empty target id: %w", monitor.ErrTargetNotFound)
	}
	target, err := s.results.Target(ctx, id)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("load target %s: %w", id, err)
	}
	return target, nil
}

func (s *Scheduler) create(ctx context.Context, target monitor.Target) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := monitor.Task{
		ID:          id,
		TargetID:    target.ID,
		TargetURL:   target.URL,
		Device:      target.Device,
		Status:      monitor.TaskPending,
		PageStatus:  monitor.PageQueued,
		CreatedAt:   s.clock.Now(),
		Screenshots: []string{},
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	s.events.Emit(progress.Event{
		TaskID:   task.ID,
		TargetID: task.TargetID,
		TS:       task.CreatedAt,
		Stage:    progress.StageTaskQueued,
		URL:      task.TargetURL,
		Device:   task.Device,
	})
	return id, nil
}

// Task returns one task record.
func (s *Scheduler) Task(ctx context.Context, id string) (monitor.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return monitor.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *Scheduler) ListTasks(ctx context.Context, filter monitor.TaskFilter) ([]monitor.Task, error) {
	tasks, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	// Stores return oldest first so admission is FIFO.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

// DeleteTask removes a terminal task. Pending and running tasks are rejected
// with monitor.ErrInvalidTaskState.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	task, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("delete task %s in state %s: %w", id, task.Status, monitor.ErrInvalidTaskState)
	}
	if err := s.tasks.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Stats summarizes every stored task. SuccessRate is the share of terminal
// tasks that succeeded, in [0, 1].
func (s *Scheduler) Stats(ctx context.Context) (monitor.TaskStats, error) {
	tasks, err := s.tasks.ListTasks(ctx, monitor.TaskFilter{})
	if err != nil {
		return monitor.TaskStats{}, fmt.Errorf("list tasks: %w", err)
	}
	var stats monitor.TaskStats
	for _, task := range tasks {
		stats.Total++
		switch task.Status {
		case monitor.TaskPending:
			stats.Pending++
		case monitor.TaskRunning:
			stats.Running++
		case monitor.TaskSuccess:
			stats.Success++
		case monitor.TaskFailed:
			stats.Failed++
		}
	}
	if finished := stats.Success + stats.Failed; finished > 0 {
		stats.SuccessRate = math.Round(float64(stats.Success)/float64(finished)*10000) / 10000
	}
	return stats, nil
}

// Reload re-reads the task configuration. The new bound applies on the next
// admission pass.
func (s *Scheduler) Reload(ctx context.Context) error {
	cfg, err := s.results.TaskConfig(ctx)
	if err != nil {
		return fmt.Errorf("load task config: %w", err)
	}
	if cfg.MaxConcurrent > 0 {
		s.SetMaxConcurrent(cfg.MaxConcurrent)
	}
	return nil
}

// SetMaxConcurrent changes the admission bound. Values below one are ignored.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}
	if old := s.maxConcurrent.Swap(int64(n)); old != int64(n) {
		s.logger.Info("max concurrent changed", zap.Int64("from", old), zap.Int("to", n))
	}
}

// MaxConcurrent reports the current admission bound.
func (s *Scheduler) MaxConcurrent() int {
	return int(s.maxConcurrent.Load())
}

// Running reports how many tasks hold a slot.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}
