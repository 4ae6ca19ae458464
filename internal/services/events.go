package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/metrics"
	"github.com/userdir/apiserver/types"
)

// EventPublisher delivers committed changes to interested consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event types.UserEvent) error
}

// notifier publishes after the store has committed. Delivery failures are
// logged and counted but never fail the operation that triggered them.
type notifier struct {
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func (n notifier) emit(ctx context.Context, eventType types.EventType, userID, targetID string) {
	if n.publisher == nil {
		return
	}
	event := types.UserEvent{
		Type:       eventType,
		UserID:     userID,
		TargetID:   targetID,
		OccurredAt: time.Now().UTC(),
	}
	err := n.publisher.Publish(ctx, event)
	n.metrics.EventPublished(string(eventType), err)
	if err != nil {
		n.logger.Warn("publish event failed",
			zap.String("type", string(eventType)),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Options carries the collaborators shared by every service. All fields
// are optional.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  EventPublisher
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) notifier() notifier {
	return notifier{publisher: o.Events, metrics: o.Metrics, logger: o.Logger}
}
