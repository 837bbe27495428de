package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/serialization"
	"go.uber.org/atomic"
)

// Consumer pulls messages from one queue and decodes them into T.
// The broker subscription is created on the first retrieval call.
type Consumer[T any] struct {
	ch          Channel
	queue       contracts.Queue
	conv        contracts.Converter[T]
	opts        contracts.ConsumeOptions
	logger      *slog.Logger
	maxInflated int64

	mu          sync.Mutex
	tag         string
	deliveries  <-chan *contracts.Message[[]byte]
	cancelled   bool
	outstanding map[uint64]struct{}

	delivered      atomic.Uint64
	decodeFailures atomic.Uint64
	acked          atomic.Uint64
	rejected       atomic.Uint64
}

// ConsumerStats is a snapshot of consumer counters
type ConsumerStats struct {
	Delivered      uint64
	DecodeFailures uint64
	Acked          uint64
	Rejected       uint64
}

type consumerConfig struct {
	opts        contracts.ConsumeOptions
	logger      *slog.Logger
	maxInflated int64
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerConfig)

// WithAutoAck makes the broker consider every delivery acknowledged.
// Ack becomes a no-op.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.opts.AutoAck = autoAck
	}
}

// WithConsumerTag sets the consumer tag used for the subscription
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *consumerConfig) {
		c.opts.ConsumerTag = tag
	}
}

// WithPrefetchCount limits unacknowledged deliveries on the channel
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *consumerConfig) {
		c.opts.PrefetchCount = count
	}
}

// WithExclusive requests exclusive access to the queue
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.opts.Exclusive = exclusive
	}
}

// WithMaxInflatedSize bounds the size of a deflated body after inflation.
// Larger deliveries fail to decode. The default is
// serialization.DefaultMaxInflatedSize.
func WithMaxInflatedSize(size int64) ConsumerOption {
	return func(c *consumerConfig) {
		c.maxInflated = size
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue. A nil converter returns the raw
// bytes unchanged, which is only valid when T is []byte.
func NewConsumer[T any](ch Channel, queue contracts.Queue, conv contracts.Converter[T], options ...ConsumerOption) *Consumer[T] {
	cfg := consumerConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	return &Consumer[T]{
		ch:          ch,
		queue:       queue,
		conv:        conv,
		opts:        cfg.opts,
		logger:      cfg.logger,
		maxInflated: cfg.maxInflated,
		outstanding: make(map[uint64]struct{}),
	}
}

// NewBytesConsumer creates a consumer that returns raw bodies
func NewBytesConsumer(ch Channel, queue contracts.Queue, options ...ConsumerOption) *Consumer[[]byte] {
	return NewConsumer[[]byte](ch, queue, nil, options...)
}

// Queue returns the consumed queue
func (c *Consumer[T]) Queue() contracts.Queue {
	return c.queue
}

// NextMessage blocks until a message is delivered or ctx is done.
// When ctx ends the returned error wraps ctx.Err().
func (c *Consumer[T]) NextMessage(ctx context.Context) (*contracts.Message[T], error) {
	deliveries, err := c.stream(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case raw, ok := <-deliveries:
		if !ok {
			return nil, c.closedErr()
		}
		return c.decode(raw)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for delivery on %s: %w", c.queue, ctx.Err())
	}
}

// NextMessageTimeout waits at most timeout for a message and returns
// (nil, nil) when none arrived. A timeout <= 0 waits like NextMessage.
// Expiry leaves the subscription untouched.
func (c *Consumer[T]) NextMessageTimeout(ctx context.Context, timeout time.Duration) (*contracts.Message[T], error) {
	if timeout <= 0 {
		return c.NextMessage(ctx)
	}

	deliveries, err := c.stream(ctx)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw, ok := <-deliveries:
		if !ok {
			return nil, c.closedErr()
		}
		return c.decode(raw)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for delivery on %s: %w", c.queue, ctx.Err())
	}
}

// Cancel stops further deliveries. Messages already buffered can still be
// read; after that NextMessage reports contracts.ErrConsumerCancelled.
// Buffered messages that are never read stay unacknowledged and hold the
// channel's delivery stream open until the channel is closed.
// Cancelling a consumer that never subscribed, or cancelling twice, is an error.
func (c *Consumer[T]) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deliveries == nil {
		return contracts.ErrNotSubscribed
	}
	if c.cancelled {
		return contracts.ErrConsumerCancelled
	}

	if err := c.ch.Cancel(c.tag); err != nil {
		return &contracts.TransportError{Op: "cancel", Resource: c.queue.Name, Err: err}
	}
	c.cancelled = true

	c.logger.Debug("consumer cancelled", "queue", c.queue.Name, "consumerTag", c.tag)
	return nil
}

// Ack acknowledges a delivered message. It does nothing in auto-ack mode.
// msg may be a *contracts.Message of any body type or a *contracts.DecodeError.
func (c *Consumer[T]) Ack(ctx context.Context, msg contracts.Delivered) error {
	if c.opts.AutoAck {
		return nil
	}
	tag, err := c.settle(ctx, msg)
	if err != nil {
		return err
	}

	if err := c.ch.Ack(tag); err != nil {
		return &contracts.TransportError{Op: "ack", Resource: c.queue.Name, Err: err}
	}
	c.acked.Inc()
	return nil
}

// Reject rejects a delivered message, optionally requeueing it. In auto-ack
// mode the broker has already settled every delivery and Reject does nothing.
func (c *Consumer[T]) Reject(ctx context.Context, msg contracts.Delivered, requeue bool) error {
	if c.opts.AutoAck {
		return nil
	}
	tag, err := c.settle(ctx, msg)
	if err != nil {
		return err
	}

	if err := c.ch.Reject(tag, requeue); err != nil {
		return &contracts.TransportError{Op: "reject", Resource: c.queue.Name, Err: err}
	}
	c.rejected.Inc()
	return nil
}

// Stats returns a snapshot of the consumer counters
func (c *Consumer[T]) Stats() ConsumerStats {
	return ConsumerStats{
		Delivered:      c.delivered.Load(),
		DecodeFailures: c.decodeFailures.Load(),
		Acked:          c.acked.Load(),
		Rejected:       c.rejected.Load(),
	}
}

func (c *Consumer[T]) stream(ctx context.Context) (<-chan *contracts.Message[[]byte], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deliveries != nil {
		return c.deliveries, nil
	}

	tag, deliveries, err := c.ch.Consume(ctx, c.queue.Name, c.opts)
	if err != nil {
		return nil, &contracts.TransportError{Op: "subscribe", Resource: c.queue.Name, Err: err}
	}
	c.tag = tag
	c.deliveries = deliveries

	c.logger.Debug("consumer subscribed", "queue", c.queue.Name, "consumerTag", tag, "autoAck", c.opts.AutoAck)
	return deliveries, nil
}

func (c *Consumer[T]) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return contracts.ErrConsumerCancelled
	}
	return &contracts.TransportError{Op: "receive", Resource: c.queue.Name, Err: contracts.ErrStreamClosed}
}

// settle removes the delivery tag of msg from the outstanding set so a
// delivery is acknowledged or rejected at most once
func (c *Consumer[T]) settle(ctx context.Context, msg contracts.Delivered) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, fmt.Errorf("settle nil message: %w", contracts.ErrUnknownDeliveryTag)
	}

	tag := msg.Envelope().DeliveryTag

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outstanding[tag]; !ok {
		return 0, fmt.Errorf("delivery %d on %s: %w", tag, c.queue, contracts.ErrUnknownDeliveryTag)
	}
	delete(c.outstanding, tag)
	return tag, nil
}

func (c *Consumer[T]) decode(raw *contracts.Message[[]byte]) (*contracts.Message[T], error) {
	c.delivered.Inc()

	props := raw.Properties()
	env := raw.Envelope()
	if !c.opts.AutoAck {
		c.mu.Lock()
		c.outstanding[env.DeliveryTag] = struct{}{}
		c.mu.Unlock()
	}

	body := raw.Body()
	if props.HasContentEncoding(serialization.ContentEncodingDeflate) {
		inflated, err := serialization.DecompressLimit(body, c.maxInflated)
		if err != nil {
			return nil, c.decodeFailure(body, props, env, fmt.Errorf("%w: %w", contracts.ErrDecompress, err))
		}
		body = inflated
	}

	value, err := c.convert(body, props)
	if err != nil {
		return nil, c.decodeFailure(body, props, env, err)
	}

	return contracts.NewMessage(value, props, env), nil
}

func (c *Consumer[T]) convert(body []byte, props contracts.Properties) (T, error) {
	var zero T
	if c.conv == nil {
		value, ok := any(body).(T)
		if !ok {
			return zero, contracts.ErrNoConverter
		}
		return value, nil
	}

	value, err := c.conv.FromBytes(body, props)
	if err != nil {
		return zero, err
	}
	if isNilValue(value) {
		return zero, contracts.ErrEmptyBody
	}
	return value, nil
}

func (c *Consumer[T]) decodeFailure(body []byte, props contracts.Properties, env contracts.Envelope, err error) error {
	c.decodeFailures.Inc()
	c.logger.Warn("failed to decode delivery",
		"queue", c.queue.Name,
		"deliveryTag", env.DeliveryTag,
		"routingKey", env.RoutingKey,
		"redelivered", env.Redelivered,
		"error", err,
	)
	return contracts.NewDecodeError(body, props, env, err)
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// errIsCancellation reports whether err ended a wait because its context ended
func errIsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
