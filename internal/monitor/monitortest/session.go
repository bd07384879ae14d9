// Package monitortest provides in-memory doubles for the browser collaborators.
package monitortest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Session is a scriptable monitor.Session. Evaluate answers are matched by
// substring against the expression, in registration order.
type Session struct {
	SessionID string

	// NavigateFunc replaces the default navigation, which fires DOMContentLoaded
	// and load immediately.
	NavigateFunc func(ctx context.Context, s *Session, url string) error
	// EvaluateFunc runs before the registered answers. Returning handled=false
	// falls through to them.
	EvaluateFunc  func(ctx context.Context, expression string) (handled bool, err error)
	ScreenshotErr error
	EvaluateErr   error
	DeviceErr     error

	mu            sync.Mutex
	answers       []answer
	initScripts   []string
	device        *monitor.DeviceProfile
	shots         []bool
	document      *monitor.HTTPResponse
	resources     []monitor.ResourceRecord
	closeCount    int
	navigatedURL  string
	domOnce       sync.Once
	loadOnce      sync.Once
	domCh         chan struct{}
	loadCh        chan struct{}
	evaluateCalls []string
}

type answer struct {
	marker string
	value  any
	err    error
}

// NewSession builds a fake session with the given id.
func NewSession(id string) *Session {
	return &Session{
		SessionID: id,
		domCh:     make(chan struct{}),
		loadCh:    make(chan struct{}),
	}
}

// Respond registers the JSON-encodable value returned for expressions containing marker.
func (s *Session) Respond(marker string, value any) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer{marker: marker, value: value})
	return s
}

// Fail registers an error returned for expressions containing marker.
func (s *Session) Fail(marker string, err error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer{marker: marker, err: err})
	return s
}

// SetDocument sets the main document response.
func (s *Session) SetDocument(resp monitor.HTTPResponse) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.document = &resp
	return s
}

// AddResource appends an observed network response.
func (s *Session) AddResource(rec monitor.ResourceRecord) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, rec)
	return s
}

// FireDOMContentLoaded closes the DOMContentLoaded channel once.
func (s *Session) FireDOMContentLoaded() {
	s.domOnce.Do(func() { close(s.domCh) })
}

// FireLoad closes the load channel once.
func (s *Session) FireLoad() {
	s.loadOnce.Do(func() { close(s.loadCh) })
}

// ID implements monitor.Session.
func (s *Session) ID() string { return s.SessionID }

// ApplyDevice implements monitor.Session.
func (s *Session) ApplyDevice(_ context.Context, profile monitor.DeviceProfile) error {
	if s.DeviceErr != nil {
		return s.DeviceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = &profile
	return nil
}

// AddInitScript implements monitor.Session.
func (s *Session) AddInitScript(_ context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initScripts = append(s.initScripts, script)
	return nil
}

// Navigate implements monitor.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.navigatedURL = url
	s.mu.Unlock()
	if s.NavigateFunc != nil {
		return s.NavigateFunc(ctx, s, url)
	}
	s.FireDOMContentLoaded()
	s.FireLoad()
	return nil
}

// DOMContentLoaded implements monitor.Session.
func (s *Session) DOMContentLoaded() <-chan struct{} { return s.domCh }

// Loaded implements monitor.Session.
func (s *Session) Loaded() <-chan struct{} { return s.loadCh }

// Evaluate implements monitor.Session.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	s.mu.Lock()
	s.evaluateCalls = append(s.evaluateCalls, expression)
	answers := append([]answer(nil), s.answers...)
	s.mu.Unlock()

	if s.EvaluateFunc != nil {
		if handled, err := s.EvaluateFunc(ctx, expression); handled {
			return err
		}
	}

	if s.EvaluateErr != nil {
		return s.EvaluateErr
	}
	for _, a := range answers {
		if !strings.Contains(expression, a.marker) {
			continue
		}
		if a.err != nil {
			return a.err
		}
		raw, err := json.Marshal(a.value)
		if err != nil {
			return fmt.Errorf("marshal fake answer: %w", err)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	return errors.New("fake session: no answer registered for expression")
}

// Screenshot implements monitor.Session.
func (s *Session) Screenshot(_ context.Context, fullPage bool) ([]byte, error) {
	if s.ScreenshotErr != nil {
		return nil, s.ScreenshotErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots = append(s.shots, fullPage)
	return []byte(fmt.Sprintf("png-%d", len(s.shots))), nil
}

// DocumentResponse implements monitor.Session.
func (s *Session) DocumentResponse() (monitor.HTTPResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.document == nil {
		return monitor.HTTPResponse{}, false
	}
	return *s.document, true
}

// Resources implements monitor.Session.
func (s *Session) Resources() []monitor.ResourceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]monitor.ResourceRecord(nil), s.resources...)
}

// Close implements monitor.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// CloseCount reports how many times Close ran.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// InitScripts returns the installed init scripts.
func (s *Session) InitScripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.initScripts...)
}

// Device returns the applied device profile, if any.
func (s *Session) Device() (monitor.DeviceProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return monitor.DeviceProfile{}, false
	}
	return *s.device, true
}

// Shots returns the fullPage flag of every screenshot taken.
func (s *Session) Shots() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.shots...)
}

// NavigatedURL returns the last URL passed to Navigate.
func (s *Session) NavigatedURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigatedURL
}

// EvaluateCalls returns every evaluated expression.
func (s *Session) EvaluateCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evaluateCalls...)
}

// Browser hands out pre-built sessions in order.
type Browser struct {
	mu       sync.Mutex
	sessions []*Session
	opened   []string
	// OpenErr, when set, fails every NewSession call.
	OpenErr error
	// Factory builds sessions once the queue is empty.
	Factory func(id string) *Session
}

// NewBrowser queues sessions to return from NewSession.
func NewBrowser(sessions ...*Session) *Browser {
	return &Browser{sessions: sessions}
}

// NewSession implements monitor.Browser.
func (b *Browser) NewSession(_ context.Context, sessionID string) (monitor.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	b.opened = append(b.opened, sessionID)
	if len(b.sessions) > 0 {
		s := b.sessions[0]
		b.sessions = b.sessions[1:]
		if s.SessionID == "" {
			s.SessionID = sessionID
		}
		return s, nil
	}
	if b.Factory != nil {
		return b.Factory(sessionID), nil
	}
	return NewSession(sessionID), nil
}

// Opened returns the ids of every opened session.
func (b *Browser) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

// Clock is a settable monitor.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now implements monitor.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SequentialIDs returns ids prefix-1, prefix-2, ...
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequentialIDs builds a deterministic monitor.IDGenerator.
func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

// NewID implements monitor.IDGenerator.
func (g *SequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// Sink records saved screenshots in memory.
type Sink struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
	// Err, when set, fails every save.
	Err error
}

// NewSink builds an empty Sink.
func NewSink() *Sink {
	return &Sink{data: make(map[string][]byte)}
}

// SaveScreenshot implements monitor.ScreenshotSink.
func (s *Sink) SaveScreenshot(_ context.Context, name string, data []byte) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.data[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

// Names returns saved names in order.
func (s *Sink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}
