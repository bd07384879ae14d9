package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// CompletionEvent is published once per finished task.
type CompletionEvent struct {
	TaskID        string             `json:"task_id"`
	TargetID      string             `json:"target_id"`
	URL           string             `json:"url"`
	Status        monitor.TaskStatus `json:"status"`
	PageStatus    monitor.PageStatus `json:"page_status"`
	IsBlankScreen bool               `json:"is_blank_screen"`
	DurationMs    int64              `json:"duration_ms"`
	Reasons       []string           `json:"reasons"`
	ResultID      string             `json:"result_id,omitempty"`
	Error         string             `json:"error,omitempty"`
	CompletedAt   string             `json:"completed_at"`
}

func newCompletionEvent(task monitor.Task, result *monitor.Result) CompletionEvent {
	evt := CompletionEvent{
		TaskID:     task.ID,
		TargetID:   task.TargetID,
		URL:        task.TargetURL,
		Status:     task.Status,
		PageStatus: task.PageStatus,
		Reasons:    []string{},
		ResultID:   task.ResultID,
		Error:      task.Error,
	}
	if task.DurationMs != nil {
		evt.DurationMs = *task.DurationMs
	}
	if task.CompletedAt != nil {
		evt.CompletedAt = task.CompletedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if result != nil {
		evt.IsBlankScreen = result.Detection.IsBlankScreen
		evt.Reasons = append(evt.Reasons, result.Detection.Reasons...)
	}
	return evt
}

// publish sends the completion event without holding up the task slot.
func (s *Scheduler) publish(ctx context.Context, task monitor.Task, result *monitor.Result) {
	if s.publisher == nil || s.cfg.CompletionTopic == "" {
		return
	}
	evt := newCompletionEvent(task, result)
	s.goBackground(ctx, func(ctx context.Context) {
		msgID, err := s.publisher.Publish(ctx, s.cfg.CompletionTopic, evt)
		if err != nil {
			s.logger.Warn("publish completion failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		s.logger.Debug("completion published", zap.String("task_id", task.ID), zap.String("message_id", msgID))
	})
}
