package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Session is one chromedp tab.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navigating atomic.Bool
	crashed    atomic.Bool
	domOnce    sync.Once
	loadOnce   sync.Once
	domCh      chan struct{}
	loadCh     chan struct{}
	closeOnce  sync.Once
	closeErr   error

	network *networkRecorder
}

func newSession(id string, ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	return &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		domCh:   make(chan struct{}),
		loadCh:  make(chan struct{}),
		network: newNetworkRecorder(),
	}
}

// ID implements monitor.Session.
func (s *Session) ID() string { return s.id }

// ApplyDevice sets viewport metrics, touch emulation and the user agent.
func (s *Session) ApplyDevice(ctx context.Context, profile monitor.DeviceProfile) error {
	return s.run(ctx, "apply device",
		emulation.SetDeviceMetricsOverride(profile.Width, profile.Height, profile.DeviceScaleFactor, profile.Mobile),
		emulation.SetTouchEmulationEnabled(profile.Touch),
		emulation.SetUserAgentOverride(profile.UserAgent),
	)
}

// AddInitScript implements monitor.Session.
func (s *Session) AddInitScript(ctx context.Context, script string) error {
	return s.run(ctx, "add init script", chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

// Navigate loads url and returns after the load event or when ctx ends.
// Network failures such as DNS errors are returned unwrapped.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.navigating.Store(true)
	return s.run(ctx, "navigate", chromedp.Navigate(url))
}

// DOMContentLoaded implements monitor.Session.
func (s *Session) DOMContentLoaded() <-chan struct{} { return s.domCh }

// Loaded implements monitor.Session.
func (s *Session) Loaded() <-chan struct{} { return s.loadCh }

// Evaluate implements monitor.Session.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.run(ctx, "evaluate", chromedp.Evaluate(expression, out))
}

// Screenshot captures the viewport, or the whole document when fullPage is set.
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the capture lossless PNG.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := s.run(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

// DocumentResponse implements monitor.Session.
func (s *Session) DocumentResponse() (monitor.HTTPResponse, bool) {
	return s.network.document()
}

// Resources implements monitor.Session.
func (s *Session) Resources() []monitor.ResourceRecord {
	return s.network.records()
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.ctx != nil {
			if err := chromedp.Cancel(s.ctx); err != nil && s.ctx.Err() == nil {
				s.closeErr = fmt.Errorf("close tab: %w", err)
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	return s.closeErr
}

func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	return s.classify(ctx, op, err)
}

// classify maps chromedp failures onto the session error taxonomy: caller
// deadlines pass through, a dead tab becomes monitor.ErrSession, anything
// else is a page-level failure.
func (s *Session) classify(ctx context.Context, op string, err error) error {
	switch {
	case s.crashed.Load():
		return fmt.Errorf("%s: %w: target crashed: %w", op, monitor.ErrSession, err)
	case s.ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, monitor.ErrSession, err)
	case ctx != nil && ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// onEvent runs on chromedp's event goroutine and must not block.
func (s *Session) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventDomContentEventFired:
		if s.navigating.Load() {
			s.domOnce.Do(func() { close(s.domCh) })
		}
	case *page.EventLoadEventFired:
		if s.navigating.Load() {
			s.loadOnce.Do(func() { close(s.loadCh) })
		}
	case *inspector.EventTargetCrashed:
		s.crashed.Store(true)
		s.logger.Error("browser target crashed")
	case *network.EventRequestWillBeSent:
		s.network.requestWillBeSent(e)
	case *network.EventResponseReceived:
		s.network.responseReceived(e)
	case *network.EventRequestServedFromCache:
		s.network.servedFromCache(e)
	case *network.EventLoadingFinished:
		s.network.loadingFinished(e)
	case *network.EventLoadingFailed:
		s.network.loadingFailed(e)
	}
}
