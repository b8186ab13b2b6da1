package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/miauth/core"
)

// DefaultTopic is the topic login events are published to
const DefaultTopic = "miauth.login"

// WatermillPublisher implements ports.EventPublisher using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher. An empty topic
// selects DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{
		publisher: publisher,
		topic:     topic,
	}
}

// PublishLoginEvent publishes a login lifecycle event
func (p *WatermillPublisher) PublishLoginEvent(ctx context.Context, event core.LoginEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", event.Kind)
	msg.Metadata.Set("attempt_id", event.AttemptID)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Discard drops every event. It is used when no event driver is configured.
type Discard struct{}

func (Discard) PublishLoginEvent(ctx context.Context, event core.LoginEvent) error {
	return nil
}
