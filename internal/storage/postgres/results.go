package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
)

// SaveMetrics inserts one vitals record.
func (s *Store) SaveMetrics(ctx context.Context, record monitor.MetricsRecord) error {
	var stats []byte
	if record.ResourceStats != nil {
		var err error
		if stats, err = marshalJSON(record.ResourceStats); err != nil {
			return err
		}
	}
	screenshots := record.Screenshots
	if screenshots == nil {
		screenshots = []string{}
	}
	shots, err := marshalJSON(screenshots)
	if err != nil {
		return err
	}
	v := record.Vitals
	_, err = s.pool.Exec(ctx, `INSERT INTO metrics (
			id, task_id, target_id, session_id, url, device, recorded_at,
			lcp, fid, cls, fcp, ttfb, load_time, dom_content_loaded, resource_stats, screenshots)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		record.ID, record.TaskID, record.TargetID, record.SessionID, record.URL, record.Device, record.Timestamp,
		v.LCP, v.FID, v.CLS, v.FCP, v.TTFB, v.LoadTime, v.DOMContentLoaded, stats, shots,
	)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// SaveDetection inserts one blank-screen detection.
func (s *Store) SaveDetection(ctx context.Context, d monitor.Detection) error {
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	skipped := d.SkippedChecks
	if skipped == nil {
		skipped = []monitor.CheckName{}
	}
	cols := make([][]byte, 0, 5)
	for _, v := range []any{reasons, d.Checks, d.EnabledChecks, skipped, d.LoadStatus} {
		raw, err := marshalJSON(v)
		if err != nil {
			return err
		}
		cols = append(cols, raw)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO detections (
			id, task_id, target_id, session_id, detected_at, is_blank_screen,
			reasons, checks, enabled_checks, skipped_checks, load_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TaskID, d.TargetID, d.SessionID, d.Timestamp, d.IsBlankScreen,
		cols[0], cols[1], cols[2], cols[3], cols[4],
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// Target fetches one target.
func (s *Store) Target(ctx context.Context, id string) (monitor.Target, error) {
	var t monitor.Target
	err := s.pool.QueryRow(ctx, `SELECT id, name, url, device, enabled FROM targets WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.URL, &t.Device, &t.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrTargetNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// Targets lists every target ordered by id.
func (s *Store) Targets(ctx context.Context) ([]monitor.Target, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, url, device, enabled FROM targets ORDER BY id`)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO targets (id, name, url, device, enabled) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, device = EXCLUDED.device, enabled = EXCLUDED.enabled`,
		t.ID, t.Name, t.URL, t.Device, t.Enabled)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// UpsertTargetStats folds a batch delta into the target's running totals.
// last_status only moves forward in time.
func (s *Store) UpsertTargetStats(ctx context.Context, d sinks.TargetStatsDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO target_stats (target_id, runs, failures, blank, bytes_total, last_status, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id) DO UPDATE SET
			runs = target_stats.runs + EXCLUDED.runs,
			failures = target_stats.failures + EXCLUDED.failures,
			blank = target_stats.blank + EXCLUDED.blank,
			bytes_total = target_stats.bytes_total + EXCLUDED.bytes_total,
			last_status = CASE WHEN EXCLUDED.last_update >= target_stats.last_update
				THEN EXCLUDED.last_status ELSE target_stats.last_status END,
			last_update = GREATEST(target_stats.last_update, EXCLUDED.last_update)`,
		d.TargetID, d.Runs, d.Failures, d.Blank, d.Bytes, string(d.LastStatus), d.At)
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
	)
	err := s.pool.QueryRow(ctx, `SELECT target_id, runs, failures, blank, bytes_total, last_status, last_update `+
		`FROM target_stats WHERE target_id = $1`, targetID).
		Scan(&d.TargetID, &d.Runs, &d.Failures, &d.Blank, &d.Bytes, &lastStatus, &d.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return sinks.TargetStatsDelta{}, fmt.Errorf("stats for %s: %w", targetID, monitor.ErrTargetNotFound)
	}
	if err != nil {
		return sinks.TargetStatsDelta{}, fmt.Errorf("get target stats: %w", err)
	}
	d.LastStatus = monitor.PageStatus(lastStatus)
	return d, nil
}
