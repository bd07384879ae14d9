// Package memory keeps tasks, results and screenshots in process memory for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// TaskStore provides an in-memory monitor.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]monitor.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]monitor.Task)}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task monitor.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// UpdateTask replaces an existing task.
func (s *TaskStore) UpdateTask(_ context.Context, task monitor.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrTaskNotFound)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (monitor.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return monitor.Task{}, fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	return cloneTask(task), nil
}

// ListTasks returns matching tasks ordered by creation time, oldest first.
func (s *TaskStore) ListTasks(_ context.Context, filter monitor.TaskFilter) ([]monitor.Task, error) {
	s.mu.RLock()
	out := make([]monitor.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func cloneTask(task monitor.Task) monitor.Task {
	task.Screenshots = append([]string(nil), task.Screenshots...)
	if task.Screenshots == nil {
		task.Screenshots = []string{}
	}
	return task
}
