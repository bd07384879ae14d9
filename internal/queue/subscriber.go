// Package queue turns messages on a Pub/Sub subscription into monitoring
// tasks, so other systems can request checks without calling the HTTP API.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Enqueuer creates tasks for a batch of target ids. scheduler.Scheduler
// satisfies it.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, targetIDs []string) ([]string, error)
}

// Request is the message body the subscriber accepts.
type Request struct {
	TargetIDs []string `json:"target_ids"`
}

// Subscriber receives task requests from one subscription.
type Subscriber struct {
	sub    *pubsub.Subscription
	enq    Enqueuer
	logger *zap.Logger
}

// NewSubscriber attaches to subscriptionID on client.
func NewSubscriber(client *pubsub.Client, subscriptionID string, enq Enqueuer, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: client.Subscription(subscriptionID), enq: enq, logger: logger}
}

// Run receives messages until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("task subscriber started", zap.String("subscription", s.sub.ID()))
	if err := s.sub.Receive(ctx, s.handle); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive task requests: %w", err)
	}
	s.logger.Info("task subscriber stopped")
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier(msg.Attributes))
	logger := s.logger.With(zap.String("message_id", msg.ID))

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil || len(req.TargetIDs) == 0 {
		// Redelivery cannot fix a malformed request.
		logger.Warn("dropping malformed task request", zap.Error(err))
		msg.Ack()
		return
	}
	ids, err := s.enq.EnqueueBatch(ctx, req.TargetIDs)
	switch {
	case errors.Is(err, monitor.ErrTargetNotFound):
		logger.Warn("dropping task request for unknown target", zap.Strings("target_ids", req.TargetIDs), zap.Error(err))
		msg.Ack()
	case err != nil:
		logger.Error("enqueue from subscription failed", zap.Error(err))
		msg.Nack()
	default:
		logger.Debug("tasks enqueued from subscription", zap.Strings("task_ids", ids))
		msg.Ack()
	}
}

// carrier adapts message attributes for trace context extraction.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
