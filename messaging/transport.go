package messaging

import (
	"context"

	"github.com/glimte/typedmq/contracts"
)

// Channel is the broker delegate shared by the consumers and publishers
// bound to one broker channel. Implementations serialize every operation;
// consumers and publishers never see the underlying broker handle.
type Channel interface {
	// Consume subscribes to queue and returns the consumer tag together with
	// the raw delivery stream. The stream is closed after Cancel or when the
	// channel goes away.
	Consume(ctx context.Context, queue string, opts contracts.ConsumeOptions) (string, <-chan *contracts.Message[[]byte], error)

	// Cancel stops the subscription identified by consumerTag
	Cancel(consumerTag string) error

	// Publish sends body to exchange under routingKey
	Publish(ctx context.Context, exchange, routingKey string, props contracts.Properties, body []byte) error

	// Ack acknowledges one delivery
	Ack(deliveryTag uint64) error

	// Reject rejects one delivery, optionally asking the broker to requeue it
	Reject(deliveryTag uint64, requeue bool) error
}

// Settler acknowledges or rejects delivered messages
type Settler interface {
	Ack(ctx context.Context, msg contracts.Delivered) error
	Reject(ctx context.Context, msg contracts.Delivered, requeue bool) error
}
