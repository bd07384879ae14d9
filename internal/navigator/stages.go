package navigator

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// stageRecorder captures at most one screenshot per stage for one session.
// It is owned by the navigation goroutine and needs no locking.
type stageRecorder struct {
	session  monitor.Session
	sink     monitor.ScreenshotSink
	clock    monitor.Clock
	logger   *zap.Logger
	captured map[monitor.Stage]struct{}
	names    []string
}

func newStageRecorder(session monitor.Session, sink monitor.ScreenshotSink, clock monitor.Clock, logger *zap.Logger) *stageRecorder {
	return &stageRecorder{
		session:  session,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		captured: make(map[monitor.Stage]struct{}),
		names:    []string{},
	}
}

// Captured reports whether the stage was already attempted.
func (r *stageRecorder) Captured(stage monitor.Stage) bool {
	_, ok := r.captured[stage]
	return ok
}

// Capture takes the stage screenshot unless it was attempted before. A failed
// capture still consumes the stage.
func (r *stageRecorder) Capture(ctx context.Context, stage monitor.Stage, fullPage bool) bool {
	if r.Captured(stage) {
		return false
	}
	r.captured[stage] = struct{}{}

	data, err := r.session.Screenshot(ctx, fullPage)
	if err != nil {
		r.logger.Warn("screenshot failed",
			zap.String("session_id", r.session.ID()),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
		return false
	}
	name := monitor.ScreenshotName(r.session.ID(), stage, r.clock.Now())
	if r.sink != nil {
		uri, err := r.sink.SaveScreenshot(ctx, name, data)
		if err != nil {
			r.logger.Warn("screenshot save failed",
				zap.String("session_id", r.session.ID()),
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return false
		}
		r.logger.Debug("screenshot saved",
			zap.String("session_id", r.session.ID()),
			zap.String("stage", string(stage)),
			zap.String("uri", uri),
			zap.Bool("full_page", fullPage),
		)
	}
	r.names = append(r.names, name)
	return true
}

// Names returns the saved screenshot file names in capture order.
func (r *stageRecorder) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
