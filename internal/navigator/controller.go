// Package navigator drives one page through its load lifecycle: it opens a
// dedicated session, races load milestones against their budgets, captures
// staged screenshots and hands the settled page to the vitals collector and
// the blank-screen classifier.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/blankscreen"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/resource"
	"github.com/JakeFAU/pagewatch/internal/vitals"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPageLoadTimeout = monitor.DefaultPageLoadTimeoutMs * time.Millisecond
	DefaultDOMLoadTimeout  = monitor.DefaultDOMLoadTimeoutMs * time.Millisecond
	DefaultProbeInterval   = 250 * time.Millisecond
	DefaultExtractTimeout  = 15 * time.Second
)

// Config holds navigation budgets. Budgets set in the stored blank-screen
// configuration take precedence so the classifier and the controller agree.
type Config struct {
	PageLoadTimeout time.Duration
	DOMLoadTimeout  time.Duration
	ProbeInterval   time.Duration
	// ExtractTimeout bounds everything that runs after the load window closes.
	ExtractTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = DefaultPageLoadTimeout
	}
	if c.DOMLoadTimeout <= 0 {
		c.DOMLoadTimeout = DefaultDOMLoadTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = DefaultExtractTimeout
	}
	return c
}

// Controller runs the per-task monitoring pipeline.
type Controller struct {
	cfg        Config
	browser    monitor.Browser
	store      monitor.ResultStore
	sink       monitor.ScreenshotSink
	vitals     *vitals.Collector
	classifier *blankscreen.Classifier
	ids        monitor.IDGenerator
	clock      monitor.Clock
	logger     *zap.Logger
}

// New wires a Controller.
func New(
	cfg Config,
	browser monitor.Browser,
	store monitor.ResultStore,
	sink monitor.ScreenshotSink,
	collector *vitals.Collector,
	classifier *blankscreen.Classifier,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:        cfg.withDefaults(),
		browser:    browser,
		store:      store,
		sink:       sink,
		vitals:     collector,
		classifier: classifier,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}
}

const heightExpression = `(function __pagewatchHeight() {
  const b = document.body, h = document.documentElement;
  return {
    content_height: Math.max(b ? b.scrollHeight : 0, h ? h.scrollHeight : 0),
    viewport_height: window.innerHeight || 0
  };
})()`

type pageHeight struct {
	ContentHeight  float64 `json:"content_height"`
	ViewportHeight float64 `json:"viewport_height"`
}

// run is the mutable state of one navigation. It never leaves the goroutine
// executing Run.
type run struct {
	task     monitor.Task
	session  monitor.Session
	stages   *stageRecorder
	logger   *zap.Logger
	load     monitor.LoadStatus
	navStart time.Time
	loadedAt *time.Time
	navErr   error
}

// Run executes one monitoring pass for task. Load timeouts and navigation
// failures such as DNS errors degrade the result but do not fail the run; an
// error is returned only for browser-control failures, wrapped in
// monitor.ErrSession.
func (c *Controller) Run(ctx context.Context, task monitor.Task) (monitor.Result, error) {
	sessionID, err := c.ids.NewID()
	if err != nil {
		return monitor.Result{}, fmt.Errorf("generate session id: %w", err)
	}
	logger := c.logger.With(
		zap.String("task_id", task.ID),
		zap.String("target_id", task.TargetID),
		zap.String("session_id", sessionID),
		zap.String("url", task.TargetURL),
	)

	session, err := c.browser.NewSession(ctx, sessionID)
	if err != nil {
		return monitor.Result{SessionID: sessionID}, sessionError("open session", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("session close failed", zap.Error(cerr))
		}
	}()

	bsCfg := c.blankScreenConfig(ctx, logger)
	pageTimeout := time.Duration(bsCfg.PageLoadTimeoutMs) * time.Millisecond
	domTimeout := time.Duration(bsCfg.DOMLoadTimeoutMs) * time.Millisecond

	if err := session.ApplyDevice(ctx, monitor.LookupDevice(task.Device)); err != nil {
		return monitor.Result{SessionID: sessionID}, sessionError("apply device profile", err)
	}
	if err := c.vitals.Install(ctx, session); err != nil {
		return monitor.Result{SessionID: sessionID}, sessionError("install observers", err)
	}

	r := &run{
		task:    task,
		session: session,
		stages:  newStageRecorder(session, c.sink, c.clock, logger),
		logger:  logger,
	}
	logger.Info("navigation started",
		zap.Duration("page_load_timeout", pageTimeout),
		zap.Duration("dom_load_timeout", domTimeout),
	)
	if err := c.navigate(ctx, r, pageTimeout, domTimeout); err != nil {
		return monitor.Result{SessionID: sessionID, Screenshots: r.stages.Names(), LoadStatus: r.load}, err
	}

	extractCtx, cancel := context.WithTimeout(ctx, c.cfg.ExtractTimeout)
	defer cancel()
	return c.extract(extractCtx, r, bsCfg)
}

// navigate races the DOM-ready and load milestones against their budgets while
// polling paint state. DOM-ready arriving after its budget is still recorded as
// long as the page window is open. Every browser call inside the window runs
// on navCtx and ends with the page budget.
func (c *Controller) navigate(ctx context.Context, r *run, pageTimeout, domTimeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	r.navStart = c.clock.Now()
	navDone := make(chan error, 1)
	go func() {
		navDone <- r.session.Navigate(navCtx, r.task.TargetURL)
	}()

	domTimer := time.NewTimer(domTimeout)
	defer domTimer.Stop()
	pageTimer := time.NewTimer(pageTimeout)
	defer pageTimer.Stop()
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	domCh := r.session.DOMContentLoaded()
	loadCh := r.session.Loaded()
	domExpired := false

	for {
		if r.load.LoadEventReached && (r.load.DOMContentLoadedReached || domExpired) {
			break
		}
		select {
		case <-domCh:
			domCh = nil
			r.load.DOMContentLoadedReached = true
			r.load.DOMLoadTimeMs = c.elapsedMs(r.navStart)
			r.logger.Debug("dom content loaded", zap.Int64("dom_load_time_ms", r.load.DOMLoadTimeMs))
			r.stages.Capture(navCtx, monitor.StageDOMReady, false)
		case <-loadCh:
			loadCh = nil
			now := c.clock.Now()
			r.loadedAt = &now
			r.load.LoadEventReached = true
			r.load.PageLoadTimeMs = now.Sub(r.navStart).Milliseconds()
			r.logger.Debug("load event fired", zap.Int64("page_load_time_ms", r.load.PageLoadTimeMs))
			r.stages.Capture(navCtx, monitor.StageLoad, false)
		case err := <-navDone:
			navDone = nil
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, monitor.ErrSession) {
				c.captureError(navCtx, r)
				return sessionError("navigate", err)
			}
			r.navErr = err
			r.load.NavigationError = err.Error()
			r.logger.Warn("navigation failed", zap.Error(err))
			return nil
		case <-domTimer.C:
			domExpired = true
			if !r.load.DOMContentLoadedReached {
				r.load.AddTimeoutReason(fmt.Sprintf("DOM not loaded within %dms", domTimeout.Milliseconds()))
				r.logger.Warn("dom load timeout", zap.Error(monitor.ErrDOMTimeout))
			}
		case <-pageTimer.C:
			c.settleTimeouts(r, domExpired, domTimeout, pageTimeout)
			r.logger.Warn("page load timeout", zap.Error(monitor.ErrNavigationTimeout))
			return nil
		case <-ticker.C:
			c.pollPaints(navCtx, r)
		case <-ctx.Done():
			r.navErr = ctx.Err()
			r.load.NavigationError = fmt.Sprintf("navigation aborted: %v", ctx.Err())
			return nil
		}
	}
	c.pollPaints(navCtx, r)
	return nil
}

// settleTimeouts records the reasons for milestones still missing when the
// load window closes.
func (c *Controller) settleTimeouts(r *run, domExpired bool, domTimeout, pageTimeout time.Duration) {
	if !r.load.DOMContentLoadedReached && !domExpired {
		r.load.AddTimeoutReason(fmt.Sprintf("DOM not loaded within %dms", domTimeout.Milliseconds()))
	}
	if !r.load.LoadEventReached {
		r.load.AddTimeoutReason(fmt.Sprintf("load event not fired within %dms", pageTimeout.Milliseconds()))
	}
}

func (c *Controller) pollPaints(ctx context.Context, r *run) {
	paints, err := c.vitals.Paints(ctx, r.session)
	if err != nil {
		// Evaluation fails while the document is being replaced.
		r.logger.Debug("paint probe failed", zap.Error(err))
		return
	}
	if paints.FirstPaint {
		r.stages.Capture(ctx, monitor.StageFirstPaint, false)
	}
	if paints.FirstContentfulPaint {
		r.stages.Capture(ctx, monitor.StageFirstContentfulPaint, false)
	}
	if paints.LargestContentfulPaint {
		r.stages.Capture(ctx, monitor.StageLargestContentfulPaint, false)
	}
	if paints.ReadyState == "interactive" || paints.ReadyState == "complete" {
		r.stages.Capture(ctx, monitor.StageInteractive, false)
	}
}

func (c *Controller) captureError(ctx context.Context, r *run) {
	r.stages.Capture(ctx, monitor.StageError, false)
}

// extract collects vitals, classifies the page and aggregates resources once the
// load window has closed.
func (c *Controller) extract(ctx context.Context, r *run, bsCfg monitor.BlankScreenConfig) (monitor.Result, error) {
	if resp, ok := r.session.DocumentResponse(); ok {
		r.load.HTTPResponse = &resp
	}

	var snapshot monitor.Vitals
	if r.navErr != nil {
		c.captureError(ctx, r)
	} else {
		v, err := c.vitals.Collect(ctx, r.session, r.loadedAt)
		switch {
		case errors.Is(err, monitor.ErrSession):
			c.captureError(ctx, r)
			return c.partial(r), err
		case err != nil:
			r.logger.Warn("vitals collection failed", zap.Error(err))
		default:
			snapshot = v
		}
		c.captureBlankScreenCheck(ctx, r)
	}

	detection, err := c.classifier.Classify(ctx, r.session, r.load, bsCfg)
	switch {
	case errors.Is(err, monitor.ErrSession):
		c.captureError(ctx, r)
		return c.partial(r), fmt.Errorf("classify page: %w", err)
	case err != nil:
		// The detection still carries the load-status checks.
		r.load.ProbeError = err.Error()
		detection.LoadStatus = r.load
		r.logger.Warn("page probe failed", zap.Error(err))
		c.captureError(ctx, r)
	}
	detectionID, err := c.ids.NewID()
	if err != nil {
		return c.partial(r), fmt.Errorf("generate detection id: %w", err)
	}
	detection.ID = detectionID
	detection.TaskID = r.task.ID
	detection.TargetID = r.task.TargetID

	stats := resource.Aggregate(r.session.Resources())
	result := monitor.Result{
		SessionID:     r.session.ID(),
		Vitals:        snapshot,
		Detection:     detection,
		Screenshots:   r.stages.Names(),
		ResourceStats: &stats,
		LoadStatus:    r.load,
	}
	r.logger.Info("navigation finished",
		zap.Bool("dom_content_loaded", r.load.DOMContentLoadedReached),
		zap.Bool("load_event", r.load.LoadEventReached),
		zap.Bool("timed_out", r.load.TimedOut),
		zap.Bool("is_blank_screen", detection.IsBlankScreen),
		zap.Int("screenshots", len(result.Screenshots)),
		zap.Int("resources", stats.TotalCount),
	)
	return result, nil
}

// captureBlankScreenCheck takes a full-page image only when the content is
// taller than the viewport.
func (c *Controller) captureBlankScreenCheck(ctx context.Context, r *run) {
	if r.stages.Captured(monitor.StageBlankScreenCheck) {
		return
	}
	var h pageHeight
	fullPage := false
	if err := r.session.Evaluate(ctx, heightExpression, &h); err != nil {
		r.logger.Debug("height probe failed", zap.Error(err))
	} else {
		fullPage = h.ContentHeight > h.ViewportHeight
	}
	r.stages.Capture(ctx, monitor.StageBlankScreenCheck, fullPage)
}

func (c *Controller) partial(r *run) monitor.Result {
	return monitor.Result{
		SessionID:   r.session.ID(),
		Screenshots: r.stages.Names(),
		LoadStatus:  r.load,
	}
}

func (c *Controller) blankScreenConfig(ctx context.Context, logger *zap.Logger) monitor.BlankScreenConfig {
	cfg := monitor.DefaultBlankScreenConfig()
	cfg.PageLoadTimeoutMs = c.cfg.PageLoadTimeout.Milliseconds()
	cfg.DOMLoadTimeoutMs = c.cfg.DOMLoadTimeout.Milliseconds()
	if c.store == nil {
		return cfg
	}
	stored, err := c.store.BlankScreenConfig(ctx)
	if err != nil {
		logger.Warn("blank-screen config unavailable, using defaults", zap.Error(err))
		return cfg
	}
	if stored.PageLoadTimeoutMs <= 0 {
		stored.PageLoadTimeoutMs = cfg.PageLoadTimeoutMs
	}
	if stored.DOMLoadTimeoutMs <= 0 {
		stored.DOMLoadTimeoutMs = cfg.DOMLoadTimeoutMs
	}
	return stored.WithDefaults()
}

func (c *Controller) elapsedMs(start time.Time) int64 {
	return c.clock.Now().Sub(start).Milliseconds()
}

func sessionError(op string, err error) error {
	if errors.Is(err, monitor.ErrSession) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrSession, err)
}
