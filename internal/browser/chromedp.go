// Package browser adapts headless Chrome, driven through chromedp, to the
// monitor.Browser and monitor.Session contracts. Every session is a fresh tab
// in a shared browser process and is never reused.
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config controls the Chrome process.
type Config struct {
	Headless  bool
	ExecPath  string
	NoSandbox bool
}

// Chromedp implements monitor.Browser on a long-lived Chrome instance.
type Chromedp struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
}

// NewChromedp starts Chrome and waits until the browser answers.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("browser started", zap.Bool("headless", cfg.Headless), zap.String("exec_path", cfg.ExecPath))
	return &Chromedp{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewSession opens a new tab with page and network events enabled.
func (b *Chromedp) NewSession(ctx context.Context, sessionID string) (monitor.Session, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	s := newSession(sessionID, tabCtx, cancelTab, b.logger.With(zap.String("session_id", sessionID)))
	chromedp.ListenTarget(tabCtx, s.onEvent)

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()
	if err := chromedp.Run(tabCtx, page.Enable(), network.Enable()); err != nil {
		cancelTab()
		return nil, fmt.Errorf("open tab: %w: %w", monitor.ErrSession, err)
	}
	return s, nil
}

// Close tears down the browser and allocator contexts.
func (b *Chromedp) Close() {
	if b == nil {
		return
	}
	b.browserCancel()
	b.allocatorCancel()
}

// forwardCancel cancels a chromedp context when parent ends. The returned
// func stops the forwarding goroutine.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
