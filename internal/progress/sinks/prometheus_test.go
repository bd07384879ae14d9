package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the task lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TaskID: "task-1", TS: now, Stage: progress.StageTaskQueued},
		{TaskID: "task-1", TS: now, Stage: progress.StageTaskStart},
		{TaskID: "task-2", TS: now, Stage: progress.StageTaskStart},
		{
			TaskID:      "task-1",
			TargetID:    "home",
			TS:          now.Add(12 * time.Second),
			Stage:       progress.StageTaskDone,
			PageStatus:  monitor.PageNormal,
			StatusClass: progress.Status2xx,
			Bytes:       2048,
			Dur:         12 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksQueued))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("success")))
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.pageChecks.WithLabelValues("home", string(monitor.PageNormal), string(progress.Status2xx))),
		1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("home")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskRuntime, "pagewatch_task_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "task-2", TS: now.Add(time.Second), Stage: progress.StageTaskError, Dur: time.Second},
		{TaskID: "task-2", TS: now.Add(time.Second), Stage: progress.StageTaskError},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("error")))
}

// TestPrometheusSinkRejectsDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
