package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "pagewatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(context.Background(), " ")
	require.Error(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	task := monitor.Task{
		ID:         "t1",
		TargetID:   "home",
		TargetURL:  "https://example.com",
		Device:     "desktop",
		Status:     monitor.TaskPending,
		PageStatus: monitor.PageQueued,
		CreatedAt:  created,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, monitor.TaskPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ResourceStats)
	assert.Equal(t, []string{}, got.Screenshots)

	started := created.Add(time.Second)
	completed := started.Add(1500 * time.Millisecond)
	duration := int64(1500)
	task.Status = monitor.TaskSuccess
	task.PageStatus = monitor.PageNormal
	task.StartedAt = &started
	task.CompletedAt = &completed
	task.DurationMs = &duration
	task.Screenshots = []string{"file:///shots/a.png"}
	task.ResourceStats = &monitor.ResourceStats{TotalSize: 2048, TotalCount: 3}
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, monitor.TaskSuccess, got.Status)
	assert.Equal(t, monitor.PageNormal, got.PageStatus)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1500), *got.DurationMs)
	assert.Equal(t, []string{"file:///shots/a.png"}, got.Screenshots)
	require.NotNil(t, got.ResourceStats)
	assert.Equal(t, int64(2048), got.ResourceStats.TotalSize)

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	_, err = s.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, monitor.ErrTaskNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, "t1"), monitor.ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateTask(ctx, task), monitor.ErrTaskNotFound)
}

func TestListTasksFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	add := func(id, target string, status monitor.TaskStatus, offset time.Duration) {
		require.NoError(t, s.CreateTask(ctx, monitor.Task{
			ID: id, TargetID: target, TargetURL: "https://" + target,
			Status: status, PageStatus: monitor.PageQueued, CreatedAt: base.Add(offset),
		}))
	}
	// Sub-second offsets check that text ordering stays chronological.
	add("c", "home", monitor.TaskPending, 120*time.Millisecond)
	add("a", "home", monitor.TaskPending, 100*time.Millisecond)
	add("b", "shop", monitor.TaskPending, 1100*time.Millisecond)
	add("d", "home", monitor.TaskFailed, 0)

	all, err := s.ListTasks(ctx, monitor.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "c", "b"}, taskIDs(all))

	pending, err := s.ListTasks(ctx, monitor.TaskFilter{Status: monitor.TaskPending, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, taskIDs(pending))

	home, err := s.ListTasks(ctx, monitor.TaskFilter{Status: monitor.TaskPending, TargetID: "home"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, taskIDs(home))
}

func taskIDs(tasks []monitor.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestSettingsFallBackToDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cfg, err := s.BlankScreenConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.DefaultBlankScreenConfig(), cfg)

	taskCfg, err := s.TaskConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.DefaultMaxConcurrent, taskCfg.MaxConcurrent)

	cfg.DOMElementThreshold = 9
	cfg.ErrorKeywords = []string{"oops"}
	require.NoError(t, s.SaveBlankScreenConfig(ctx, cfg))
	require.NoError(t, s.SaveTaskConfig(ctx, monitor.TaskConfig{MaxConcurrent: 5}))

	cfg, err = s.BlankScreenConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.DOMElementThreshold)
	assert.Equal(t, []string{"oops"}, cfg.ErrorKeywords)

	taskCfg, err = s.TaskConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, taskCfg.MaxConcurrent)
}

func TestTargets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertTarget(ctx, monitor.Target{ID: "shop", URL: "https://shop", Device: "mobile", Enabled: true}))
	require.NoError(t, s.UpsertTarget(ctx, monitor.Target{ID: "home", URL: "https://home", Enabled: true}))
	require.NoError(t, s.UpsertTarget(ctx, monitor.Target{ID: "home", Name: "Home", URL: "https://home/v2", Enabled: false}))

	targets, err := s.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "home", targets[0].ID)
	assert.Equal(t, "https://home/v2", targets[0].URL)
	assert.False(t, targets[0].Enabled)
	assert.True(t, targets[1].Enabled)

	got, err := s.Target(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "mobile", got.Device)

	_, err = s.Target(ctx, "missing")
	assert.ErrorIs(t, err, monitor.ErrTargetNotFound)
}

func TestMetricsAndDetections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lcp := 1200.5

	require.NoError(t, s.SaveMetrics(ctx, monitor.MetricsRecord{
		ID: "m1", TaskID: "t1", TargetID: "home", Timestamp: at,
		Vitals: monitor.Vitals{LCP: &lcp},
	}))
	records, err := s.MetricsFor(ctx, "home")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Vitals.LCP)
	assert.InDelta(t, lcp, *records[0].Vitals.LCP, 0.001)
	assert.Nil(t, records[0].Vitals.CLS)

	require.NoError(t, s.SaveDetection(ctx, monitor.Detection{
		ID: "d1", TaskID: "t1", TargetID: "home", Timestamp: at, Reasons: []string{"first"},
	}))
	require.NoError(t, s.SaveDetection(ctx, monitor.Detection{
		ID: "d2", TaskID: "t2", TargetID: "home", Timestamp: at.Add(time.Minute),
		IsBlankScreen: true, Reasons: []string{"second"},
	}))
	latest, err := s.LatestDetection(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "d2", latest.ID)
	assert.True(t, latest.IsBlankScreen)

	_, err = s.LatestDetection(ctx, "shop")
	assert.ErrorIs(t, err, monitor.ErrTargetNotFound)
}

func TestUpsertTargetStatsAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertTargetStats(ctx, sinks.TargetStatsDelta{
		TargetID: "home", Runs: 2, Failures: 1, Bytes: 100, LastStatus: monitor.PageNormal, At: at,
	}))
	require.NoError(t, s.UpsertTargetStats(ctx, sinks.TargetStatsDelta{
		TargetID: "home", Runs: 1, Blank: 1, Bytes: 50, LastStatus: monitor.PageAbnormal, At: at.Add(time.Minute),
	}))
	// An older delta adds to the totals without replacing the latest status.
	require.NoError(t, s.UpsertTargetStats(ctx, sinks.TargetStatsDelta{
		TargetID: "home", Runs: 1, LastStatus: monitor.PageUnknown, At: at.Add(-time.Minute),
	}))

	got, err := s.TargetStats(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Runs)
	assert.Equal(t, int64(1), got.Failures)
	assert.Equal(t, int64(1), got.Blank)
	assert.Equal(t, int64(150), got.Bytes)
	assert.Equal(t, monitor.PageAbnormal, got.LastStatus)
	assert.True(t, got.At.Equal(at.Add(time.Minute)))

	_, err = s.TargetStats(ctx, "shop")
	assert.ErrorIs(t, err, monitor.ErrTargetNotFound)
}
