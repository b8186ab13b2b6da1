package ports

import (
	"context"

	"github.com/layer-3/miauth/core"
)

// EventPublisher publishes login lifecycle events
type EventPublisher interface {
	PublishLoginEvent(ctx context.Context, event core.LoginEvent) error
}
