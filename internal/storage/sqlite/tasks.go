package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask rewrites every column except the id.
func (s *Store) UpdateTask(ctx context.Context, task monitor.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append(args[1:], task.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		target_id = ?, target_url = ?, device = ?, status = ?, page_status = ?, created_at = ?,
		started_at = ?, completed_at = ?, duration_ms = ?, error = ?, result_id = ?,
		session_id = ?, screenshots = ?, resource_stats = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, task.ID)
}

// GetTask fetches one task.
func (s *Store) GetTask(ctx context.Context, id string) (monitor.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Task{}, fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	if err != nil {
		return monitor.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns matching tasks, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter monitor.TaskFilter) ([]monitor.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// DeleteTask removes one task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, monitor.ErrTaskNotFound)
	}
	return nil
}

func taskArgs(task monitor.Task) ([]any, error) {
	screenshots := task.Screenshots
	if screenshots == nil {
		screenshots = []string{}
	}
	shots, err := json.Marshal(screenshots)
	if err != nil {
		return nil, fmt.Errorf("encode screenshots: %w", err)
	}
	var stats sql.NullString
	if task.ResourceStats != nil {
		raw, err := json.Marshal(task.ResourceStats)
		if err != nil {
			return nil, fmt.Errorf("encode resource stats: %w", err)
		}
		stats = sql.NullString{String: string(raw), Valid: true}
	}
	var startedAt, completedAt sql.NullString
	if task.StartedAt != nil {
		startedAt = sql.NullString{String: formatTime(*task.StartedAt), Valid: true}
	}
	if task.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*task.CompletedAt), Valid: true}
	}
	var duration sql.NullInt64
	if task.DurationMs != nil {
		duration = sql.NullInt64{Int64: *task.DurationMs, Valid: true}
	}
	return []any{
		task.ID,
		task.TargetID,
		task.TargetURL,
		task.Device,
		string(task.Status),
		string(task.PageStatus),
		formatTime(task.CreatedAt),
		startedAt,
		completedAt,
		duration,
		task.Error,
		task.ResultID,
		task.SessionID,
		string(shots),
		stats,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (monitor.Task, error) {
	var (
		task        monitor.Task
		status      string
		pageStatus  string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		duration    sql.NullInt64
		shots       string
		stats       sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.TargetID,
		&task.TargetURL,
		&task.Device,
		&status,
		&pageStatus,
		&createdAt,
		&startedAt,
		&completedAt,
		&duration,
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

	var err error
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return monitor.Task{}, err
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return monitor.Task{}, err
		}
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return monitor.Task{}, err
		}
		task.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		task.DurationMs = &d
	}
	task.Screenshots = []string{}
	if shots != "" {
		if err := json.Unmarshal([]byte(shots), &task.Screenshots); err != nil {
			return monitor.Task{}, fmt.Errorf("decode screenshots: %w", err)
		}
	}
	if stats.Valid && stats.String != "" {
		task.ResourceStats = &monitor.ResourceStats{}
		if err := json.Unmarshal([]byte(stats.String), task.ResourceStats); err != nil {
			return monitor.Task{}, fmt.Errorf("decode resource stats: %w", err)
		}
	}
	return task, nil
}
