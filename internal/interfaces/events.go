package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

type EventPublisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

// Locker grants a time-bounded exclusive lease on a key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key string, ttl time.Duration) error
	Unlock(ctx context.Context, key string) error
}
