package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const taskColumns = `id, target_id, target_url, device, status, page_status, created_at, ` +
	`started_at, completed_at, duration_ms, error, result_id, session_id, screenshots, resource_stats`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task monitor.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, args...)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, task monitor.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET
		target_id = $2, target_url = $3, device = $4, status = $5, page_status = $6, created_at = $7,
		started_at = $8, completed_at = $9, duration_ms = $10, error = $11, result_id = $12,
		session_id = $13, screenshots = $14, resource_stats = $15
		WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrTaskNotFound)
	}
	return nil
}

// GetTask fetches one task.
func (s *Store) GetTask(ctx context.Context, id string) (monitor.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Task{}, fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	if err != nil {
		return monitor.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns matching tasks, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter monitor.TaskFilter) ([]monitor.Task, error) {
	query, args := listTasksQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []monitor.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func listTasksQuery(filter monitor.TaskFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TargetID != "" {
		args = append(args, filter.TargetID)
		where = append(where, fmt.Sprintf("target_id = $%d", len(args)))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// DeleteTask removes one task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	return nil
}

func taskArgs(task monitor.Task) ([]any, error) {
	screenshots := task.Screenshots
	if screenshots == nil {
		screenshots = []string{}
	}
	shots, err := marshalJSON(screenshots)
	if err != nil {
		return nil, err
	}
	var stats []byte
	if task.ResourceStats != nil {
		if stats, err = marshalJSON(task.ResourceStats); err != nil {
			return nil, err
		}
	}
	return []any{
		task.ID,
		task.TargetID,
		task.TargetURL,
		task.Device,
		string(task.Status),
		string(task.PageStatus),
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.DurationMs,
		task.Error,
		task.ResultID,
		task.SessionID,
		shots,
		stats,
	}, nil
}

func scanTask(row pgx.Row) (monitor.Task, error) {
	var (
		task        monitor.Task
		status      string
		pageStatus  string
		startedAt   *time.Time
		completedAt *time.Time
		durationMs  *int64
		shots       []byte
		stats       []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.TargetID,
		&task.TargetURL,
		&task.Device,
		&status,
		&pageStatus,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&durationMs,
		&task.Error,
		&task.ResultID,
		&task.SessionID,
		&shots,
		&stats,
	); err != nil {
		return monitor.Task{}, err
	}
	task.Status = monitor.TaskStatus(status)
	task.PageStatus = monitor.PageStatus(pageStatus)
	task.StartedAt = startedAt
	task.CompletedAt = completedAt
	task.DurationMs = durationMs
	task.Screenshots = []string{}
	if len(shots) > 0 {
		if err := json.Unmarshal(shots, &task.Screenshots); err != nil {
			return monitor.Task{}, fmt.Errorf("decode screenshots: %w", err)
		}
	}
	if len(stats) > 0 {
		task.ResourceStats = &monitor.ResourceStats{}
		if err := json.Unmarshal(stats, task.ResourceStats); err != nil {
			return monitor.Task{}, fmt.Errorf("decode resource stats: %w", err)
		}
	}
	return task, nil
}
