// Package blankscreen decides whether a loaded page rendered or shows a blank
// or broken state. Five independent checks are combined with a plain OR.
package blankscreen

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Classifier runs the in-page probe and the enabled checks.
type Classifier struct {
	clock  monitor.Clock
	logger *zap.Logger
}

// New constructs a Classifier.
func New(clock monitor.Clock, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{clock: clock, logger: logger}
}

// Classify probes the session and evaluates every enabled check against the
// snapshot and the navigation load status. A browser fault is returned wrapped
// in monitor.ErrSession with an empty detection. Any other probe failure yields
// a detection from the load-status checks alone together with an error
// wrapping monitor.ErrPageProbe.
func (c *Classifier) Classify(
	ctx context.Context,
	session monitor.Session,
	load monitor.LoadStatus,
	cfg monitor.BlankScreenConfig,
) (monitor.Detection, error) {
	cfg = cfg.WithDefaults()
	opts := OptionsFor(cfg)

	var (
		snap     Snapshot
		probeErr error
	)
	if opts.NeedsPage() {
		probeErr = c.probe(ctx, session, opts, &snap)
		if errors.Is(probeErr, monitor.ErrSession) {
			return monitor.Detection{}, probeErr
		}
	}

	var det monitor.Detection
	if probeErr != nil {
		det = Detect(snap, load, loadOnly(cfg))
		det.EnabledChecks = cfg.Checks
		c.logger.Warn("blank-screen probe failed, page checks skipped",
			zap.String("session_id", session.ID()),
			zap.Error(probeErr),
		)
	} else {
		det = Detect(snap, load, cfg)
	}
	det.SessionID = session.ID()
	if c.clock != nil {
		det.Timestamp = c.clock.Now()
	}
	if len(det.SkippedChecks) > 0 {
		c.logger.Debug("blank-screen checks skipped",
			zap.String("session_id", det.SessionID),
			zap.Any("skipped", det.SkippedChecks),
			zap.Error(monitor.ErrClassifierSkipped),
		)
	}
	c.logger.Info("blank-screen classification",
		zap.String("session_id", det.SessionID),
		zap.Bool("is_blank_screen", det.IsBlankScreen),
		zap.Strings("reasons", det.Reasons),
	)
	return det, probeErr
}

func (c *Classifier) probe(ctx context.Context, session monitor.Session, opts ProbeOptions, snap *Snapshot) error {
	expr, err := ProbeExpression(opts)
	if err != nil {
		return fmt.Errorf("%w: build expression: %w", monitor.ErrPageProbe, err)
	}
	if err := session.Evaluate(ctx, expr, snap); err != nil {
		if errors.Is(err, monitor.ErrSession) {
			return fmt.Errorf("run blank-screen probe: %w", err)
		}
		return fmt.Errorf("%w: %w", monitor.ErrPageProbe, err)
	}
	return nil
}

// loadOnly keeps the checks that read the load status and drops the ones that
// need the page snapshot.
func loadOnly(cfg monitor.BlankScreenConfig) monitor.BlankScreenConfig {
	cfg.Checks.DOMStructure = false
	cfg.Checks.Content = false
	cfg.Checks.TextMatch = false
	return cfg
}

// Detect combines the enabled checks. It is pure: identical inputs always
// yield identical detections. Identity and timestamp fields are left empty.
func Detect(snap Snapshot, load monitor.LoadStatus, cfg monitor.BlankScreenConfig) monitor.Detection {
	det := monitor.Detection{
		EnabledChecks: cfg.Checks,
		Reasons:       []string{},
		LoadStatus:    load,
	}

	for _, name := range monitor.CheckOrder {
		if !cfg.Checks.Enabled(name) {
			det.SkippedChecks = append(det.SkippedChecks, name)
			continue
		}
		var (
			anomaly bool
			reason  string
		)
		switch name {
		case monitor.CheckDOMStructure:
			res, r := CheckDOMStructure(snap, cfg)
			det.Checks.DOMStructure, anomaly, reason = &res, res.Anomaly, r
		case monitor.CheckContent:
			res, r := CheckContent(snap, cfg)
			det.Checks.Content, anomaly, reason = &res, res.Anomaly, r
		case monitor.CheckTextMatch:
			res, r := CheckTextMatch(snap, cfg)
			det.Checks.TextMatch, anomaly, reason = &res, res.Anomaly, r
		case monitor.CheckHTTPStatus:
			res, r := CheckHTTPStatus(load, cfg)
			det.Checks.HTTPStatus, anomaly, reason = &res, res.Anomaly, r
		case monitor.CheckTimeout:
			res, r := CheckTimeout(load, cfg)
			det.Checks.Timeout, anomaly, reason = &res, res.Anomaly, r
		}
		if anomaly {
			det.IsBlankScreen = true
			det.Reasons = append(det.Reasons, reason)
		}
	}
	return det
}
