package queue

import (
	"context"

	"github.com/patagon3d/renovation-back/internal/domain"
)

// Producer sends job dispatch messages to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives dispatch messages and executes handlers. A handler error
// causes a bounded redelivery before the message is dead-lettered.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
