package queue

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// SetClock overrides the broker clock in tests.
func (b *RedisBroker) SetClock(now func() time.Time) {
	b.now = now
}

// Client exposes the underlying client so tests can shape raw state.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}
