// Package eventbus defines pub/sub interfaces for canonical market events.
package eventbus

import (
	"context"

	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers canonical events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock waits for the subscriber to drain, preserving a gapless stream.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest buffered event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Overflow      OverflowPolicy
	Logger        observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Overflow != OverflowDropOldest {
		c.Overflow = OverflowBlock
	}
	c.Logger = observability.OrDefault(c.Logger)
	return c
}
