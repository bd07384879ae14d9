// Package postgres provides Postgres-backed task and result persistence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements monitor.TaskStore, monitor.ResultStore and the per-target
// rollup repository on one pool.
type Store struct {
	pool pool
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p}, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Schema creates every table the store uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL DEFAULT '',
	url     TEXT NOT NULL,
	device  TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	target_id      TEXT NOT NULL,
	target_url     TEXT NOT NULL,
	device         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	page_status    TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	duration_ms    BIGINT,
	error          TEXT NOT NULL DEFAULT '',
	result_id      TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	screenshots    JSONB NOT NULL DEFAULT '[]',
	resource_stats JSONB
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_target ON tasks (target_id, created_at);

CREATE TABLE IF NOT EXISTS metrics (
	id                 TEXT PRIMARY KEY,
	task_id            TEXT NOT NULL,
	target_id          TEXT NOT NULL,
	session_id         TEXT NOT NULL,
	url                TEXT NOT NULL,
	device             TEXT NOT NULL DEFAULT '',
	recorded_at        TIMESTAMPTZ NOT NULL,
	lcp                DOUBLE PRECISION,
	fid                DOUBLE PRECISION,
	cls                DOUBLE PRECISION,
	fcp                DOUBLE PRECISION,
	ttfb               DOUBLE PRECISION,
	load_time          DOUBLE PRECISION,
	dom_content_loaded DOUBLE PRECISION,
	resource_stats     JSONB,
	screenshots        JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_metrics_target_recorded ON metrics (target_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS detections (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	detected_at     TIMESTAMPTZ NOT NULL,
	is_blank_screen BOOLEAN NOT NULL,
	reasons         JSONB NOT NULL DEFAULT '[]',
	checks          JSONB NOT NULL,
	enabled_checks  JSONB NOT NULL,
	skipped_checks  JSONB NOT NULL DEFAULT '[]',
	load_status     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_target_detected ON detections (target_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS target_stats (
	target_id   TEXT PRIMARY KEY,
	runs        BIGINT NOT NULL DEFAULT 0,
	failures    BIGINT NOT NULL DEFAULT 0,
	blank       BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT '',
	last_update TIMESTAMPTZ NOT NULL
);
`

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const (
	settingBlankScreen = "blank_screen"
	settingTask        = "task"
)

// BlankScreenConfig returns the stored classifier configuration, or the
// defaults when none has been saved.
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
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s settings: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s settings: %w", key, err)
	}
	return true, nil
}

func (s *Store) saveSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, raw)
	if err != nil {
		return fmt.Errorf("save %s settings: %w", key, err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return raw, nil
}
