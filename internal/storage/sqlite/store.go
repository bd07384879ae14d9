// Package sqlite persists tasks and results in an embedded SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
)

// Store implements monitor.TaskStore, monitor.ResultStore and the per-target
// rollup repository on one database file.
type Store struct {
	db *sql.DB
}

// New opens path, applies the schema and returns a ready store.
func New(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection serializes the
	// scheduler's concurrent result writes.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS targets (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL DEFAULT '',
	url     TEXT NOT NULL,
	device  TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	target_id      TEXT NOT NULL,
	target_url     TEXT NOT NULL,
	device         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	page_status    TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT,
	duration_ms    INTEGER,
	error          TEXT NOT NULL DEFAULT '',
	result_id      TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	screenshots    TEXT NOT NULL DEFAULT '[]',
	resource_stats TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at);

CREATE TABLE IF NOT EXISTS metrics (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	record      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_target ON metrics (target_id, recorded_at);

CREATE TABLE IF NOT EXISTS detections (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	detected_at     TEXT NOT NULL,
	is_blank_screen INTEGER NOT NULL,
	detection       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_target ON detections (target_id, detected_at);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS target_stats (
	target_id   TEXT PRIMARY KEY,
	runs        INTEGER NOT NULL DEFAULT 0,
	failures    INTEGER NOT NULL DEFAULT 0,
	blank       INTEGER NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT '',
	last_update TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// SaveMetrics stores the full record as JSON alongside its lookup keys.
func (s *Store) SaveMetrics(ctx context.Context, record monitor.MetricsRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (id, task_id, target_id, recorded_at, record) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.TaskID, record.TargetID, formatTime(record.Timestamp), string(raw))
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// SaveDetection stores the full detection as JSON alongside its lookup keys.
func (s *Store) SaveDetection(ctx context.Context, d monitor.Detection) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode detection: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections (id, task_id, target_id, detected_at, is_blank_screen, detection) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, d.TargetID, formatTime(d.Timestamp), d.IsBlankScreen, string(raw))
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// LatestDetection returns the most recent detection for a target.
func (s *Store) LatestDetection(ctx context.Context, targetID string) (monitor.Detection, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT detection FROM detections WHERE target_id = ? ORDER BY detected_at DESC LIMIT 1`, targetID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Detection{}, fmt.Errorf("detections for %s: %w", targetID, monitor.ErrTargetNotFound)
	}
	if err != nil {
		return monitor.Detection{}, fmt.Errorf("latest detection: %w", err)
	}
	var d monitor.Detection
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return monitor.Detection{}, fmt.Errorf("decode detection: %w", err)
	}
	return d, nil
}

// MetricsFor returns every vitals record for a target, oldest first.
func (s *Store) MetricsFor(ctx context.Context, targetID string) ([]monitor.MetricsRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM metrics WHERE target_id = ? ORDER BY recorded_at, id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()
	out := []monitor.MetricsRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		var rec monitor.MetricsRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return out, nil
}

const (
	settingBlankScreen = "blank_screen"
	settingTask        = "task"
)

// BlankScreenConfig returns the stored classifier configuration or the defaults.
func (s *Store) BlankScreenConfig(ctx context.Context) (monitor.BlankScreenConfig, error) {
	cfg := monitor.DefaultBlankScreenConfig()
	found, err := s.setting(ctx, settingBlankScreen, &cfg)
	if err != nil {
		return monitor.BlankScreenConfig{}, err
	}
	if !found {
		return monitor.DefaultBlankScreenConfig(), nil
	}
	return cfg, nil
}

// SaveBlankScreenConfig replaces the classifier configuration.
func (s *Store) SaveBlankScreenConfig(ctx context.Context, cfg monitor.BlankScreenConfig) error {
	return s.saveSetting(ctx, settingBlankScreen, cfg)
}

// TaskConfig returns the stored scheduler configuration.
func (s *Store) TaskConfig(ctx context.Context) (monitor.TaskConfig, error) {
	cfg := monitor.TaskConfig{MaxConcurrent: monitor.DefaultMaxConcurrent}
	if _, err := s.setting(ctx, settingTask, &cfg); err != nil {
		return monitor.TaskConfig{}, err
	}
	return cfg, nil
}

// SaveTaskConfig replaces the scheduler configuration.
func (s *Store) SaveTaskConfig(ctx context.Context, cfg monitor.TaskConfig) error {
	return s.saveSetting(ctx, settingTask, cfg)
}

func (s *Store) setting(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s settings: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s settings: %w", key, err)
	}
	return true, nil
}

func (s *Store) saveSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(raw))
	if err != nil {
		return fmt.Errorf("save %s settings: %w", key, err)
	}
	return nil
}

// Target fetches one target.
func (s *Store) Target(ctx context.Context, id string) (monitor.Target, error) {
	var t monitor.Target
	err := s.db.QueryRowContext(ctx, `SELECT id, name, url, device, enabled FROM targets WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.URL, &t.Device, &t.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrTargetNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// Targets lists every target ordered by id.
func (s *Store) Targets(ctx context.Context) ([]monitor.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, device, enabled FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	out := []monitor.Target{}
	for rows.Next() {
		var t monitor.Target
		if err := rows.Scan(&t.ID, &t.Name, &t.URL, &t.Device, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// UpsertTarget inserts or replaces a target definition.
func (s *Store) UpsertTarget(ctx context.Context, t monitor.Target) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO targets (id, name, url, device, enabled) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url, device = excluded.device, enabled = excluded.enabled`,
		t.ID, t.Name, t.URL, t.Device, t.Enabled)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// UpsertTargetStats folds a batch delta into the target's running totals.
func (s *Store) UpsertTargetStats(ctx context.Context, d sinks.TargetStatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO target_stats (target_id, runs, failures, blank, bytes_total, last_status, last_update)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target_id) DO UPDATE SET
	runs = runs + excluded.runs,
	failures = failures + excluded.failures,
	blank = blank + excluded.blank,
	bytes_total = bytes_total + excluded.bytes_total,
	last_status = CASE WHEN excluded.last_update >= last_update THEN excluded.last_status ELSE last_status END,
	last_update = MAX(last_update, excluded.last_update)`,
		d.TargetID, d.Runs, d.Failures, d.Blank, d.Bytes, string(d.LastStatus), formatTime(d.At))
	if err != nil {
		return fmt.Errorf("upsert target stats: %w", err)
	}
	return nil
}

// TargetStats returns the accumulated totals for a target.
func (s *Store) TargetStats(ctx context.Context, targetID string) (sinks.TargetStatsDelta, error) {
	var (
		d          sinks.TargetStatsDelta
		lastStatus string
		lastUpdate string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT target_id, runs, failures, blank, bytes_total, last_status, last_update
FROM target_stats WHERE target_id = ?`, targetID).
		Scan(&d.TargetID, &d.Runs, &d.Failures, &d.Blank, &d.Bytes, &lastStatus, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return sinks.TargetStatsDelta{}, fmt.Errorf("stats for %s: %w", targetID, monitor.ErrTargetNotFound)
	}
	if err != nil {
		return sinks.TargetStatsDelta{}, fmt.Errorf("get target stats: %w", err)
	}
	d.LastStatus = monitor.PageStatus(lastStatus)
	if d.At, err = parseTime(lastUpdate); err != nil {
		return sinks.TargetStatsDelta{}, err
	}
	return d, nil
}
