// Package vitals installs performance observers in a page and reads back
// Web-Vitals-style timings once the page settles.
package vitals

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// DefaultSettle is how long layout shifts keep accumulating after the load event.
const DefaultSettle = 3 * time.Second

// Config controls the collector.
type Config struct {
	// Settle delays the final read after the load event so CLS can finalize.
	Settle time.Duration
}

// Paints reports which paint milestones a page has produced so far.
type Paints struct {
	FirstPaint             bool   `json:"first_paint"`
	FirstContentfulPaint   bool   `json:"first_contentful_paint"`
	LargestContentfulPaint bool   `json:"largest_contentful_paint"`
	ReadyState             string `json:"ready_state"`
}

// Collector extracts vitals from a session.
type Collector struct {
	cfg    Config
	clock  monitor.Clock
	logger *zap.Logger
}

// New constructs a Collector.
func New(cfg Config, clock monitor.Clock, logger *zap.Logger) *Collector {
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, clock: clock, logger: logger}
}

// Install registers the observer hooks. It must run before navigation starts.
func (c *Collector) Install(ctx context.Context, session monitor.Session) error {
	if err := session.AddInitScript(ctx, observerScript); err != nil {
		return fmt.Errorf("install vitals observers: %w", err)
	}
	return nil
}

// Paints polls the paint milestones observed so far.
func (c *Collector) Paints(ctx context.Context, session monitor.Session) (Paints, error) {
	var out Paints
	if err := session.Evaluate(ctx, paintsExpression, &out); err != nil {
		return Paints{}, fmt.Errorf("read paint state: %w", err)
	}
	return out, nil
}

// Collect waits for the settle window after loadedAt (when non-nil) and reads
// one snapshot. Unobserved signals stay nil.
func (c *Collector) Collect(ctx context.Context, session monitor.Session, loadedAt *time.Time) (monitor.Vitals, error) {
	if loadedAt != nil && c.cfg.Settle > 0 {
		wait := c.cfg.Settle - c.clock.Now().Sub(*loadedAt)
		if err := sleep(ctx, wait); err != nil {
			return monitor.Vitals{}, err
		}
	}

	var raw monitor.Vitals
	if err := session.Evaluate(ctx, snapshotExpression, &raw); err != nil {
		return monitor.Vitals{}, fmt.Errorf("read vitals snapshot: %w", err)
	}
	snapshot := Round(raw)
	c.logger.Debug("vitals collected",
		zap.String("session_id", session.ID()),
		zap.Bool("lcp_observed", snapshot.LCP != nil),
		zap.Bool("fcp_observed", snapshot.FCP != nil),
	)
	return snapshot, nil
}

// Round returns a copy with every observed value rounded to 4 decimal places.
func Round(v monitor.Vitals) monitor.Vitals {
	return monitor.Vitals{
		LCP:              round4(v.LCP),
		FID:              round4(v.FID),
		CLS:              round4(v.CLS),
		FCP:              round4(v.FCP),
		TTFB:             round4(v.TTFB),
		LoadTime:         round4(v.LoadTime),
		DOMContentLoaded: round4(v.DOMContentLoaded),
	}
}

func round4(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	r := math.Round(*v*1e4) / 1e4
	return &r
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vitals settle wait: %w", ctx.Err())
	}
}
