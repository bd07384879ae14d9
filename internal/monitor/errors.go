package monitor

import "errors"

var (
	// ErrNavigationTimeout means the overall page load exceeded its budget.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrDOMTimeout means DOM-ready was not reached within its budget.
	ErrDOMTimeout = errors.New("dom timeout")
	// ErrSession marks browser-control failures such as a crash or disconnect.
	ErrSession = errors.New("browser session error")
	// ErrClassifierSkipped is recorded when a check is disabled by configuration.
	ErrClassifierSkipped = errors.New("classifier check skipped")
	// ErrPageProbe means an in-page evaluation failed while the browser stayed healthy.
	ErrPageProbe = errors.New("page probe failed")
	// ErrInvalidTaskState rejects operations that need a terminal task.
	ErrInvalidTaskState = errors.New("invalid task state")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTargetNotFound is returned for unknown target ids.
	ErrTargetNotFound = errors.New("target not found")
)
