package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/monitor/monitortest"
	"github.com/JakeFAU/pagewatch/internal/progress"
	pubmemory "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
)

const waitFor = 3 * time.Second

// gatedPipeline blocks every run until release is closed and tracks the peak
// number of concurrent runs.
type gatedPipeline struct {
	release chan struct{}
	active  atomic.Int64
	peak    atomic.Int64
	calls   atomic.Int64
	result  func(task monitor.Task) (monitor.Result, error)
	ctxErrs chan error
}

func newGatedPipeline() *gatedPipeline {
	return &gatedPipeline{release: make(chan struct{}), ctxErrs: make(chan error, 16)}
}

func (p *gatedPipeline) Run(ctx context.Context, task monitor.Task) (monitor.Result, error) {
	p.calls.Add(1)
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer p.active.Add(-1)
	<-p.release
	p.ctxErrs <- ctx.Err()
	if p.result != nil {
		return p.result(task)
	}
	return monitor.Result{
		SessionID:   "session-" + task.ID,
		Screenshots: []string{"shot.png"},
		Detection:   monitor.Detection{ID: "det-" + task.ID, TaskID: task.ID, Reasons: []string{}},
	}, nil
}

type funcPipeline func(ctx context.Context, task monitor.Task) (monitor.Result, error)

func (f funcPipeline) Run(ctx context.Context, task monitor.Task) (monitor.Result, error) {
	return f(ctx, task)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(taskID string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.TaskID == taskID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

type fixture struct {
	tasks     *memory.TaskStore
	results   *memory.ResultStore
	publisher *pubmemory.Publisher
	events    *recordingEmitter
	sched     *Scheduler
}

func newFixture(t *testing.T, cfg Config, pipeline Pipeline) *fixture {
	t.Helper()
	targets := []monitor.Target{
		{ID: "home", URL: "https://example.com", Device: "desktop", Enabled: true},
		{ID: "checkout", URL: "https://example.com/checkout", Device: "mobile", Enabled: true},
		{ID: "legacy", URL: "https://old.example.com", Enabled: false},
	}
	f := &fixture{
		tasks:     memory.NewTaskStore(),
		results:   memory.NewResultStore(targets, monitor.DefaultBlankScreenConfig(), monitor.TaskConfig{MaxConcurrent: 2}),
		publisher: pubmemory.New(),
		events:    &recordingEmitter{},
	}
	f.sched = New(cfg, f.tasks, f.results, pipeline, f.publisher, f.events, nil,
		monitortest.NewSequentialIDs("id"), system.New(), nil)
	return f
}

func (f *fixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.sched.Run(ctx) }()
	return cancel, errCh
}

func (f *fixture) status(t *testing.T, id string) monitor.Task {
	t.Helper()
	task, err := f.sched.Task(context.Background(), id)
	require.NoError(t, err)
	return task
}

func enqueueN(t *testing.T, s *Scheduler, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Enqueue(context.Background(), "home")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSchedulerRespectsAdmissionBound(t *testing.T) {
	t.Parallel()

	pipeline := newGatedPipeline()
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 2}, pipeline)
	ids := enqueueN(t, f.sched, 5)

	cancel, errCh := f.start(t)
	defer cancel()

	require.Eventually(t, func() bool { return f.sched.Running() == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), pipeline.calls.Load())

	stats, err := f.sched.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Running)
	require.Equal(t, 3, stats.Pending)

	close(pipeline.release)
	require.Eventually(t, func() bool {
		stats, err := f.sched.Stats(context.Background())
		return err == nil && stats.Success == 5
	}, waitFor, 5*time.Millisecond)
	require.LessOrEqual(t, pipeline.peak.Load(), int64(2))

	for _, id := range ids {
		task := f.status(t, id)
		require.Equal(t, monitor.TaskSuccess, task.Status)
		require.Equal(t, monitor.PageNormal, task.PageStatus)
		require.NotNil(t, task.StartedAt)
		require.NotNil(t, task.CompletedAt)
		require.NotNil(t, task.DurationMs)
		require.Equal(t, task.CompletedAt.Sub(*task.StartedAt).Milliseconds(), *task.DurationMs)
		require.Equal(t, "det-"+id, task.ResultID)
		require.Equal(t, []string{"shot.png"}, task.Screenshots)
	}

	cancel()
	require.NoError(t, <-errCh)
}

func TestSchedulerAdmitsOnCompletionWithoutWaitingForTick(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	gates := map[string]chan struct{}{}
	gate := func(id string) chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		if gates[id] == nil {
			gates[id] = make(chan struct{})
		}
		return gates[id]
	}
	pipeline := funcPipeline(func(_ context.Context, task monitor.Task) (monitor.Result, error) {
		<-gate(task.ID)
		return monitor.Result{}, nil
	})
	// The tick never fires during the test; only completions can admit.
	f := newFixture(t, Config{TickInterval: time.Hour, MaxConcurrent: 1}, pipeline)
	ids := enqueueN(t, f.sched, 2)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return f.status(t, ids[0]).Status == monitor.TaskRunning }, waitFor, 5*time.Millisecond)
	require.Equal(t, monitor.TaskPending, f.status(t, ids[1]).Status)

	close(gate(ids[0]))
	require.Eventually(t, func() bool { return f.status(t, ids[1]).Status == monitor.TaskRunning }, waitFor, 5*time.Millisecond)

	close(gate(ids[1]))
	require.Eventually(t, func() bool { return f.status(t, ids[1]).Status == monitor.TaskSuccess }, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestSchedulerRecordsPipelineFailures(t *testing.T) {
	t.Parallel()

	pipeline := funcPipeline(func(_ context.Context, task monitor.Task) (monitor.Result, error) {
		switch task.Device {
		case "mobile":
			panic("boom")
		default:
			return monitor.Result{}, fmt.Errorf("navigate: %w: target crashed", monitor.ErrSession)
		}
	})
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 2, CompletionTopic: "tasks"}, pipeline)
	crashed, err := f.sched.Enqueue(context.Background(), "home")
	require.NoError(t, err)
	panicked, err := f.sched.Enqueue(context.Background(), "checkout")
	require.NoError(t, err)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool {
		return f.status(t, crashed).Status.Terminal() && f.status(t, panicked).Status.Terminal()
	}, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	task := f.status(t, crashed)
	require.Equal(t, monitor.TaskFailed, task.Status)
	require.Equal(t, monitor.PageUnknown, task.PageStatus)
	require.Contains(t, task.Error, "browser session error")

	task = f.status(t, panicked)
	require.Equal(t, monitor.TaskFailed, task.Status)
	require.Contains(t, task.Error, "pipeline panic: boom")

	require.Empty(t, f.results.Metrics())
	require.Equal(t, []progress.Stage{progress.StageTaskQueued, progress.StageTaskStart, progress.StageTaskError},
		f.events.stages(crashed))

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, "tasks", msg.Topic)
		evt, ok := msg.Payload.(CompletionEvent)
		require.True(t, ok)
		require.Equal(t, monitor.TaskFailed, evt.Status)
		require.NotEmpty(t, evt.Error)
	}
}

func TestSchedulerPageStatusAndPersistence(t *testing.T) {
	t.Parallel()

	pipeline := funcPipeline(func(_ context.Context, task monitor.Task) (monitor.Result, error) {
		result := monitor.Result{
			SessionID: "s-" + task.ID,
			Vitals:    monitor.Vitals{},
			Detection: monitor.Detection{ID: "det-" + task.ID, TaskID: task.ID, Reasons: []string{}},
			ResourceStats: &monitor.ResourceStats{
				TotalSize:  512,
				TotalCount: 3,
			},
			LoadStatus: monitor.LoadStatus{HTTPResponse: &monitor.HTTPResponse{StatusCode: 200}},
		}
		if task.Device == "mobile" {
			result.Detection.IsBlankScreen = true
			result.Detection.Reasons = []string{"HTTP status 404 Not Found"}
		}
		return result, nil
	})
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 2, CompletionTopic: "tasks"}, pipeline)
	healthy, err := f.sched.Enqueue(context.Background(), "home")
	require.NoError(t, err)
	blank, err := f.sched.Enqueue(context.Background(), "checkout")
	require.NoError(t, err)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool {
		return f.status(t, healthy).Status.Terminal() && f.status(t, blank).Status.Terminal()
	}, waitFor, 5*time.Millisecond)
	cancel()
	// Run waits for background writes before returning.
	require.NoError(t, <-errCh)

	require.Equal(t, monitor.PageNormal, f.status(t, healthy).PageStatus)
	require.Equal(t, monitor.PageAbnormal, f.status(t, blank).PageStatus)
	require.Equal(t, int64(512), f.status(t, healthy).ResourceStats.TotalSize)

	require.Len(t, f.results.Metrics(), 2)
	require.Len(t, f.results.Detections(), 2)
	for _, record := range f.results.Metrics() {
		require.NotEmpty(t, record.ID)
		require.Equal(t, "s-"+record.TaskID, record.SessionID)
	}

	var sawBlank bool
	for _, msg := range f.publisher.Messages() {
		evt := msg.Payload.(CompletionEvent)
		if evt.TaskID == blank {
			sawBlank = true
			require.True(t, evt.IsBlankScreen)
			require.Equal(t, []string{"HTTP status 404 Not Found"}, evt.Reasons)
		}
	}
	require.True(t, sawBlank)
	require.Equal(t, []progress.Stage{progress.StageTaskQueued, progress.StageTaskStart, progress.StageTaskDone},
		f.events.stages(healthy))
}

func TestPageStatusTreatsNavigationErrorsAsAbnormal(t *testing.T) {
	t.Parallel()

	require.Equal(t, monitor.PageNormal, pageStatus(monitor.Result{}))
	require.Equal(t, monitor.PageAbnormal, pageStatus(monitor.Result{
		LoadStatus: monitor.LoadStatus{NavigationError: "net::ERR_NAME_NOT_RESOLVED"},
	}))
	require.Equal(t, monitor.PageAbnormal, pageStatus(monitor.Result{
		Detection: monitor.Detection{IsBlankScreen: true},
	}))
}

func TestSchedulerShutdownWaitsForRunningTasks(t *testing.T) {
	t.Parallel()

	pipeline := newGatedPipeline()
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 1}, pipeline)
	ids := enqueueN(t, f.sched, 2)

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return f.sched.Running() == 1 }, waitFor, 5*time.Millisecond)
	cancel()

	select {
	case <-errCh:
		t.Fatal("scheduler returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(pipeline.release)
	require.NoError(t, <-errCh)
	require.NoError(t, <-pipeline.ctxErrs, "running task context must survive shutdown")
	require.Equal(t, monitor.TaskSuccess, f.status(t, ids[0]).Status)
	require.Equal(t, monitor.TaskPending, f.status(t, ids[1]).Status)
}

func TestRunFailsTasksInterruptedByRestart(t *testing.T) {
	t.Parallel()

	pipeline := newGatedPipeline()
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 1}, pipeline)
	ctx := context.Background()
	ids := enqueueN(t, f.sched, 2)

	startedAt := time.Now().Add(-time.Minute)
	stale := f.status(t, ids[0])
	stale.Status = monitor.TaskRunning
	stale.PageStatus = monitor.PageChecking
	stale.StartedAt = &startedAt
	require.NoError(t, f.tasks.UpdateTask(ctx, stale))

	cancel, errCh := f.start(t)
	require.Eventually(t, func() bool { return f.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	recovered := f.status(t, ids[0])
	require.Equal(t, monitor.TaskFailed, recovered.Status)
	require.Equal(t, monitor.PageUnknown, recovered.PageStatus)
	require.Equal(t, "interrupted by restart", recovered.Error)
	require.NotNil(t, recovered.CompletedAt)
	require.NotNil(t, recovered.DurationMs)
	require.GreaterOrEqual(t, *recovered.DurationMs, time.Minute.Milliseconds())
	require.Equal(t, monitor.TaskRunning, f.status(t, ids[1]).Status)

	stats, err := f.sched.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Running)
	require.Equal(t, 1, stats.Failed)
	require.NoError(t, f.sched.DeleteTask(ctx, ids[0]))

	close(pipeline.release)
	cancel()
	require.NoError(t, <-errCh)
	require.Equal(t, int64(1), pipeline.calls.Load())
}

func TestSchedulerRunTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond}, newGatedPipeline())
	cancel, errCh := f.start(t)
	defer func() {
		cancel()
		<-errCh
	}()
	require.Eventually(t, func() bool { return f.sched.started.Load() }, waitFor, time.Millisecond)
	require.Error(t, f.sched.Run(context.Background()))
}

func TestDeleteTaskRejectsNonTerminalTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, newGatedPipeline())
	ctx := context.Background()
	id, err := f.sched.Enqueue(ctx, "home")
	require.NoError(t, err)

	require.ErrorIs(t, f.sched.DeleteTask(ctx, id), monitor.ErrInvalidTaskState)

	task := f.status(t, id)
	task.Status = monitor.TaskRunning
	require.NoError(t, f.tasks.UpdateTask(ctx, task))
	require.ErrorIs(t, f.sched.DeleteTask(ctx, id), monitor.ErrInvalidTaskState)

	task.Status = monitor.TaskFailed
	require.NoError(t, f.tasks.UpdateTask(ctx, task))
	require.NoError(t, f.sched.DeleteTask(ctx, id))

	require.ErrorIs(t, f.sched.DeleteTask(ctx, id), monitor.ErrTaskNotFound)
}

func TestStatsSuccessRate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, newGatedPipeline())
	ctx := context.Background()

	stats, err := f.sched.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, monitor.TaskStats{}, stats)

	ids := enqueueN(t, f.sched, 4)
	for i, status := range []monitor.TaskStatus{monitor.TaskSuccess, monitor.TaskSuccess, monitor.TaskFailed} {
		task := f.status(t, ids[i])
		task.Status = status
		require.NoError(t, f.tasks.UpdateTask(ctx, task))
	}

	stats, err = f.sched.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 2, stats.Success)
	require.Equal(t, 1, stats.Failed)
	require.InDelta(t, 0.6667, stats.SuccessRate, 1e-9)
}

func TestEnqueueBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, newGatedPipeline())
	ctx := context.Background()

	_, err := f.sched.EnqueueBatch(ctx, []string{"home", "missing"})
	require.ErrorIs(t, err, monitor.ErrTargetNotFound)
	tasks, err := f.sched.ListTasks(ctx, monitor.TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)

	ids, err := f.sched.EnqueueBatch(ctx, []string{"home", "checkout"})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	tasks, err = f.sched.ListTasks(ctx, monitor.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// Newest first.
	require.Equal(t, ids[1], tasks[0].ID)
	require.Equal(t, "https://example.com/checkout", tasks[0].TargetURL)
	require.Equal(t, monitor.PageQueued, tasks[0].PageStatus)
	require.Equal(t, []string{}, tasks[0].Screenshots)
	require.Nil(t, tasks[0].StartedAt)

	_, err = f.sched.Enqueue(ctx, "")
	require.ErrorIs(t, err, monitor.ErrTargetNotFound)
}

func TestEnqueueAllSkipsDisabledTargets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, newGatedPipeline())
	ids, err := f.sched.EnqueueAll(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)

	tasks, err := f.sched.ListTasks(context.Background(), monitor.TaskFilter{TargetID: "legacy"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestReloadAppliesTaskConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxConcurrent: 1}, newGatedPipeline())
	require.Equal(t, 1, f.sched.MaxConcurrent())

	f.results.SetTaskConfig(monitor.TaskConfig{MaxConcurrent: 4})
	require.NoError(t, f.sched.Reload(context.Background()))
	require.Equal(t, 4, f.sched.MaxConcurrent())

	f.results.SetTaskConfig(monitor.TaskConfig{MaxConcurrent: 0})
	require.NoError(t, f.sched.Reload(context.Background()))
	require.Equal(t, 4, f.sched.MaxConcurrent())

	f.sched.SetMaxConcurrent(-1)
	require.Equal(t, 4, f.sched.MaxConcurrent())
}

func TestReloadRaisesBoundOnNextPass(t *testing.T) {
	t.Parallel()

	pipeline := newGatedPipeline()
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 1}, pipeline)
	enqueueN(t, f.sched, 3)

	cancel, errCh := f.start(t)
	defer func() {
		cancel()
		<-errCh
	}()
	require.Eventually(t, func() bool { return f.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	f.results.SetTaskConfig(monitor.TaskConfig{MaxConcurrent: 3})
	require.NoError(t, f.sched.Reload(context.Background()))
	require.Eventually(t, func() bool { return f.sched.Running() == 3 }, waitFor, 5*time.Millisecond)
	close(pipeline.release)
}

type failingTaskStore struct {
	*memory.TaskStore
	listErr error
}

func (s failingTaskStore) ListTasks(ctx context.Context, filter monitor.TaskFilter) ([]monitor.Task, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.TaskStore.ListTasks(ctx, filter)
}

func TestSchedulerSurvivesStoreErrors(t *testing.T) {
	t.Parallel()

	store := failingTaskStore{TaskStore: memory.NewTaskStore(), listErr: errors.New("db down")}
	results := memory.NewResultStore(nil, monitor.BlankScreenConfig{}, monitor.TaskConfig{})
	sched := New(Config{TickInterval: 5 * time.Millisecond}, store, results, newGatedPipeline(), nil, nil, nil,
		monitortest.NewSequentialIDs("id"), system.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	_, err := sched.Stats(context.Background())
	require.Error(t, err)
}
