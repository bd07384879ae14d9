package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	ctx := context.Background()
	task := monitor.Task{ID: "task-1", TargetID: "home", Status: monitor.TaskPending, CreatedAt: time.Now()}

	require.NoError(t, store.CreateTask(ctx, task))
	require.Error(t, store.CreateTask(ctx, task))

	task.Status = monitor.TaskRunning
	require.NoError(t, store.UpdateTask(ctx, task))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.TaskRunning, got.Status)
	require.NotNil(t, got.Screenshots)

	require.NoError(t, store.DeleteTask(ctx, task.ID))
	_, err = store.GetTask(ctx, task.ID)
	require.ErrorIs(t, err, monitor.ErrTaskNotFound)
	require.ErrorIs(t, store.DeleteTask(ctx, task.ID), monitor.ErrTaskNotFound)
	require.ErrorIs(t, store.UpdateTask(ctx, task), monitor.ErrTaskNotFound)
}

func TestTaskStoreListOrdersAndFilters(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		status := monitor.TaskPending
		if id == "b" {
			status = monitor.TaskSuccess
		}
		require.NoError(t, store.CreateTask(ctx, monitor.Task{
			ID:        id,
			TargetID:  "home",
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := store.ListTasks(ctx, monitor.TaskFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(all))

	pending, err := store.ListTasks(ctx, monitor.TaskFilter{Status: monitor.TaskPending, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(pending))

	none, err := store.ListTasks(ctx, monitor.TaskFilter{TargetID: "other"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestTaskStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, monitor.Task{ID: "t", Screenshots: []string{"one"}}))

	got, err := store.GetTask(ctx, "t")
	require.NoError(t, err)
	got.Screenshots[0] = "modified"

	again, err := store.GetTask(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, again.Screenshots)
}

func ids(tasks []monitor.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
