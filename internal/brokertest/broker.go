// Package brokertest provides an in-memory broker for tests. It routes by
// exact exchange and routing key, assigns delivery tags per channel and
// records every acknowledgement and rejection.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/typedmq/contracts"
	"github.com/google/uuid"
)

const deliveryBuffer = 1024

var (
	ErrUnknownQueue       = errors.New("brokertest: NOT_FOUND - no queue")
	ErrUnknownConsumer    = errors.New("brokertest: NOT_FOUND - no consumer")
	ErrUnknownDeliveryTag = errors.New("brokertest: PRECONDITION_FAILED - unknown delivery tag")
	ErrChannelClosed      = errors.New("brokertest: channel closed")
)

type binding struct {
	exchange   string
	routingKey string
}

type pending struct {
	body        []byte
	props       contracts.Properties
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name     string
	messages []pending
	sub      *subscription
}

type subscription struct {
	tag     string
	ch      *Channel
	out     chan *contracts.Message[[]byte]
	autoAck bool
}

// Rejection records one Reject call
type Rejection struct {
	DeliveryTag uint64
	Requeue     bool
}

// Broker is an in-memory message broker
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	bindings map[binding][]string
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		bindings: make(map[binding][]string),
	}
}

// DeclareQueue creates a queue unless it exists
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name}
	}
}

// Bind routes messages published to exchange with routingKey into queue
func (b *Broker) Bind(queueName, exchange, routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := binding{exchange: exchange, routingKey: routingKey}
	b.bindings[key] = append(b.bindings[key], queueName)
}

// Depth returns the number of messages waiting in a queue
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages)
	}
	return 0
}

// Channel opens a channel on the broker
func (b *Broker) Channel() *Channel {
	return &Channel{
		broker:  b,
		unacked: make(map[uint64]unacked),
		subs:    make(map[string]*subscription),
	}
}

// route stores or delivers a message. Callers hold b.mu.
func (b *Broker) route(p pending) {
	var targets []string
	if p.exchange == "" {
		targets = []string{p.routingKey}
	} else {
		targets = b.bindings[binding{exchange: p.exchange, routingKey: p.routingKey}]
	}

	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		if q.sub != nil {
			q.sub.deliver(q, p)
			continue
		}
		q.messages = append(q.messages, p)
	}
}

type unacked struct {
	queue string
	msg   pending
}

// Channel implements the broker delegate used by consumers and publishers
type Channel struct {
	broker *Broker

	// guarded by broker.mu
	nextTag    uint64
	unacked    map[uint64]unacked
	subs       map[string]*subscription
	closed     bool
	publishErr error
	consumeErr error
	acks       []uint64
	rejections []Rejection
}

// FailPublish makes every later Publish return err. A nil err clears it.
func (c *Channel) FailPublish(err error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.publishErr = err
}

// FailConsume makes every later Consume return err. A nil err clears it.
func (c *Channel) FailConsume(err error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.consumeErr = err
}

// Consume implements the broker delegate
func (c *Channel) Consume(ctx context.Context, queueName string, opts contracts.ConsumeOptions) (string, <-chan *contracts.Message[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return "", nil, ErrChannelClosed
	}
	if c.consumeErr != nil {
		return "", nil, c.consumeErr
	}
	q, ok := c.broker.queues[queueName]
	if !ok {
		return "", nil, fmt.Errorf("%w '%s'", ErrUnknownQueue, queueName)
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "brokertest-" + uuid.NewString()
	}
	sub := &subscription{
		tag:     tag,
		ch:      c,
		out:     make(chan *contracts.Message[[]byte], deliveryBuffer),
		autoAck: opts.AutoAck,
	}
	q.sub = sub
	c.subs[tag] = sub

	backlog := q.messages
	q.messages = nil
	for _, p := range backlog {
		sub.deliver(q, p)
	}

	return tag, sub.out, nil
}

// Cancel implements the broker delegate. Deliveries already buffered on the
// stream stay readable.
func (c *Channel) Cancel(consumerTag string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	sub, ok := c.subs[consumerTag]
	if !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownConsumer, consumerTag)
	}
	delete(c.subs, consumerTag)
	for _, q := range c.broker.queues {
		if q.sub == sub {
			q.sub = nil
		}
	}
	close(sub.out)
	return nil
}

// Publish implements the broker delegate
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, props contracts.Properties, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}

	c.broker.route(pending{
		body:       append([]byte(nil), body...),
		props:      props,
		exchange:   exchange,
		routingKey: routingKey,
	})
	return nil
}

// Ack implements the broker delegate
func (c *Channel) Ack(deliveryTag uint64) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if _, ok := c.unacked[deliveryTag]; !ok {
		return fmt.Errorf("%w %d", ErrUnknownDeliveryTag, deliveryTag)
	}
	delete(c.unacked, deliveryTag)
	c.acks = append(c.acks, deliveryTag)
	return nil
}

// Reject implements the broker delegate
func (c *Channel) Reject(deliveryTag uint64, requeue bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	u, ok := c.unacked[deliveryTag]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownDeliveryTag, deliveryTag)
	}
	delete(c.unacked, deliveryTag)
	c.rejections = append(c.rejections, Rejection{DeliveryTag: deliveryTag, Requeue: requeue})

	if requeue {
		if q, ok := c.broker.queues[u.queue]; ok {
			u.msg.redelivered = true
			if q.sub != nil {
				q.sub.deliver(q, u.msg)
			} else {
				q.messages = append(q.messages, u.msg)
			}
		}
	}
	return nil
}

// Close cancels every subscription and requeues unacknowledged deliveries
func (c *Channel) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for tag, sub := range c.subs {
		for _, q := range c.broker.queues {
			if q.sub == sub {
				q.sub = nil
			}
		}
		close(sub.out)
		delete(c.subs, tag)
	}
	for tag, u := range c.unacked {
		if q, ok := c.broker.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.messages = append(q.messages, u.msg)
		}
		delete(c.unacked, tag)
	}
	return nil
}

// Acks returns the acknowledged delivery tags in order
func (c *Channel) Acks() []uint64 {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

// Rejections returns the rejected deliveries in order
func (c *Channel) Rejections() []Rejection {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return append([]Rejection(nil), c.rejections...)
}

// Unacked returns the number of outstanding deliveries
func (c *Channel) Unacked() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return len(c.unacked)
}

// deliver hands p to the subscriber. Callers hold broker.mu.
func (s *subscription) deliver(q *queue, p pending) {
	s.ch.nextTag++
	tag := s.ch.nextTag
	if !s.autoAck {
		s.ch.unacked[tag] = unacked{queue: q.name, msg: p}
	}

	env := contracts.Envelope{
		DeliveryTag: tag,
		Exchange:    p.exchange,
		RoutingKey:  p.routingKey,
		Redelivered: p.redelivered,
	}
	s.out <- contracts.NewMessage(p.body, p.props, env)
}
