package monitor

import (
	"context"
	"time"
)

// Browser opens isolated page sessions. Each session belongs to exactly one task.
type Browser interface {
	NewSession(ctx context.Context, sessionID string) (Session, error)
}

// Session is a single browser page driven through one load lifecycle.
// Browser-control failures are reported wrapped in ErrSession.
type Session interface {
	ID() string
	ApplyDevice(ctx context.Context, profile DeviceProfile) error
	// AddInitScript installs a script that runs before any page script on every new document.
	AddInitScript(ctx context.Context, script string) error
	// Navigate loads the URL and returns once the load event fired or ctx ends.
	Navigate(ctx context.Context, url string) error
	// DOMContentLoaded is closed when the main frame fires DOMContentLoaded.
	DOMContentLoaded() <-chan struct{}
	// Loaded is closed when the main frame fires the load event.
	Loaded() <-chan struct{}
	// Evaluate runs a JavaScript expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	// DocumentResponse returns the main document response, if one arrived.
	DocumentResponse() (HTTPResponse, bool)
	// Resources returns the network responses observed so far, unclassified.
	Resources() []ResourceRecord
	Close() error
}

// ResultStore is the persisted-record collaborator.
type ResultStore interface {
	SaveMetrics(ctx context.Context, record MetricsRecord) error
	SaveDetection(ctx context.Context, detection Detection) error
	BlankScreenConfig(ctx context.Context) (BlankScreenConfig, error)
	TaskConfig(ctx context.Context) (TaskConfig, error)
	Target(ctx context.Context, id string) (Target, error)
	Targets(ctx context.Context) ([]Target, error)
}

// TaskStore keeps monitoring task records.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// ScreenshotSink accepts captured images. Names follow ScreenshotName.
type ScreenshotSink interface {
	SaveScreenshot(ctx context.Context, name string, data []byte) (string, error)
}

// Publisher pushes completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task, session, and record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
