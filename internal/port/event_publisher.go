package port

import (
	"context"

	"github.com/rl1809/order-service/internal/core/domain"
)

type EventPublisher interface {
	// PublishItemAdded emits a committed mutation to downstream consumers
	PublishItemAdded(ctx context.Context, event domain.ItemAddedEvent) error
}
