package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Stage denotes the task milestone an Event represents.
type Stage string

// Supported task stages.
const (
	StageTaskQueued Stage = "TASK_QUEUED"
	StageTaskStart  Stage = "TASK_START"
	StageTaskDone   Stage = "TASK_DONE"
	StageTaskError  Stage = "TASK_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes of the main document.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one task milestone.
type Event struct {
	TaskID   string
	TargetID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	URL   string
	// Device is the emulated profile name.
	Device string
	// PageStatus is the verdict for completed tasks.
	PageStatus  monitor.PageStatus
	BlankScreen bool
	// StatusClass groups the main document status code.
	StatusClass StatusClass
	// Bytes is the non-cached transfer size of the page.
	Bytes int64
	// Resources is the non-cached response count of the page.
	Resources int
	// Dur is the task run time for completion events.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskQueued, StageTaskStart, StageTaskError:
	case StageTaskDone:
		if e.PageStatus == "" {
			return errors.New("task done requires page status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
