package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

// LogSink writes one structured log line per task event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("target_id", evt.TargetID),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.String("device", evt.Device),
		}
		if evt.Stage == progress.StageTaskDone {
			fields = append(fields,
				zap.String("page_status", string(evt.PageStatus)),
				zap.Bool("blank_screen", evt.BlankScreen),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Int("resources", evt.Resources),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("task event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
