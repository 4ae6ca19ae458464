package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/userdir/apiserver/types"
)

// Message attributes set on published user events.
const (
	AttrContentType = "content-type"
	AttrEventType   = "event-type"
	AttrUserID      = "user-id"
)

// EventPublisher sends user events as JSON to a single channel.
type EventPublisher struct {
	mq      *MQ
	channel string
}

// NewEventPublisher publishes user events to channel.
func NewEventPublisher(m *MQ, channel string) *EventPublisher {
	return &EventPublisher{mq: m, channel: channel}
}

// Publish encodes event as JSON and sends it with routing attributes.
func (p *EventPublisher) Publish(ctx context.Context, event types.UserEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = p.mq.Publish(ctx, p.channel, data, map[string]string{
		AttrContentType: "application/json",
		AttrEventType:   string(event.Type),
		AttrUserID:      event.UserID,
	})
	return err
}

// SubscribeEvents decodes every message on channel into a UserEvent.
// Messages that are not valid events fail with ErrMalformed and are
// dropped by the backend instead of being redelivered.
func SubscribeEvents(ctx context.Context, m *MQ, channel string, handle func(ctx context.Context, event types.UserEvent) error) error {
	return m.Subscribe(ctx, channel, func(ctx context.Context, msg Message) error {
		event, err := DecodeUserEvent(msg)
		if err != nil {
			return err
		}
		return handle(ctx, event)
	})
}

// DecodeUserEvent parses a message body. Failures wrap ErrMalformed.
func DecodeUserEvent(msg Message) (types.UserEvent, error) {
	var event types.UserEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return types.UserEvent{}, fmt.Errorf("%w: event %s: %v", ErrMalformed, msg.ID, err)
	}
	if event.Type == "" || event.UserID == "" {
		return types.UserEvent{}, fmt.Errorf("%w: event %s: missing type or user id", ErrMalformed, msg.ID)
	}
	return event, nil
}
