package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/typedmq/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel used by Channel
type AMQPChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

// Channel serializes every structural operation on one AMQP channel.
// The lock is held only for the duration of a broker call, never while a
// caller waits for a delivery.
type Channel struct {
	mu        sync.Mutex
	ch        AMQPChannel
	id        string
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// NewChannel wraps an open AMQP channel
func NewChannel(ch AMQPChannel, options ...ChannelOption) *Channel {
	c := &Channel{
		ch:     ch,
		id:     uuid.NewString(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ID returns the channel identifier used in logs and errors
func (c *Channel) ID() string {
	return c.id
}

// Consume starts a subscription and returns its consumer tag together with
// the stream of raw deliveries. The stream is closed once the subscription
// is cancelled and every buffered delivery has been read, or when the
// channel closes.
func (c *Channel) Consume(ctx context.Context, queue string, opts contracts.ConsumeOptions) (string, <-chan *contracts.Message[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "typedmq-" + uuid.NewString()
	}

	c.mu.Lock()
	if opts.PrefetchCount > 0 {
		if err := c.ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			c.mu.Unlock()
			return "", nil, c.channelError("qos", err)
		}
	}
	deliveries, err := c.ch.Consume(queue, tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return "", nil, c.channelError("consume", err)
	}

	out := make(chan *contracts.Message[[]byte])
	go c.forward(deliveries, out)

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"channel", c.id,
		"prefetchCount", opts.PrefetchCount,
	)
	return tag, out, nil
}

func (c *Channel) forward(deliveries <-chan amqp.Delivery, out chan<- *contracts.Message[[]byte]) {
	defer close(out)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case out <- FromDelivery(d):
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// Cancel stops the subscription identified by consumerTag. Deliveries the
// broker already sent stay on the stream; until they are read or the channel
// is closed the forwarding goroutine stays blocked on them.
func (c *Channel) Cancel(consumerTag string) error {
	c.mu.Lock()
	err := c.ch.Cancel(consumerTag, false)
	c.mu.Unlock()
	if err != nil {
		return c.channelError("cancel", err)
	}
	c.logger.Debug("cancelled consumer", "consumerTag", consumerTag, "channel", c.id)
	return nil
}

// Publish sends a single message
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, props contracts.Properties, body []byte) error {
	msg := ToPublishing(props, body)

	c.mu.Lock()
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return c.channelError("publish", err)
	}
	return nil
}

// Ack acknowledges a single delivery
func (c *Channel) Ack(deliveryTag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Ack(deliveryTag, false); err != nil {
		return c.channelError("ack", err)
	}
	return nil
}

// Reject rejects a single delivery
func (c *Channel) Reject(deliveryTag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Reject(deliveryTag, requeue); err != nil {
		return c.channelError("reject", err)
	}
	return nil
}

// Execute runs fn with exclusive access to the underlying channel
func (c *Channel) Execute(ctx context.Context, fn func(AMQPChannel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch.IsClosed() {
		return c.channelError("execute", ErrChannelClosed)
	}
	return fn(c.ch)
}

// IsClosed reports whether the underlying channel is closed
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.IsClosed()
}

// Close closes the underlying channel and stops delivery forwarding
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func (c *Channel) channelError(op string, err error) error {
	return &ChannelError{
		Op:        op,
		ChannelID: c.id,
		Err:       err,
		Timestamp: time.Now(),
	}
}
