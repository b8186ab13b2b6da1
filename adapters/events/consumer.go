package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/miauth/core"
	"github.com/rs/zerolog"
)

// Consume subscribes to topic and calls handle for every login event until
// ctx is done. Malformed payloads are logged and acked.
func Consume(ctx context.Context, sub message.Subscriber, topic string, log zerolog.Logger, handle func(core.LoginEvent)) error {
	if topic == "" {
		topic = DefaultTopic
	}

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			var event core.LoginEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed login event")
				msg.Ack()
				continue
			}
			handle(event)
			msg.Ack()
		}
	}()

	return nil
}

// LogEvent writes a login event to log
func LogEvent(log zerolog.Logger) func(core.LoginEvent) {
	return func(event core.LoginEvent) {
		ev := log.Info()
		if event.Kind == core.EventFailed {
			ev = log.Warn()
		}
		ev.Str("attempt_id", event.AttemptID).
			Str("kind", event.Kind).
			Str("user_id", event.UserID).
			Str("error", event.Error).
			Time("at", event.At).
			Msg("Login event")
	}
}
