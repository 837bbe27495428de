package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/typedmq/contracts"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Publisher converts values of type T and sends them to one exchange
type Publisher[T any] struct {
	ch           Channel
	exchange     contracts.Exchange
	conv         contracts.Converter[T]
	logger       *slog.Logger
	messageIDs   bool
	deliveryMode contracts.DeliveryMode

	published atomic.Uint64
	failed    atomic.Uint64
}

// PublisherStats is a snapshot of publisher counters
type PublisherStats struct {
	Published uint64
	Failed    uint64
}

type publisherConfig struct {
	logger       *slog.Logger
	messageIDs   bool
	deliveryMode contracts.DeliveryMode
}

// PublisherOption configures a Publisher
type PublisherOption func(*publisherConfig)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithMessageIDs assigns a random message id to every publish that has none
func WithMessageIDs(enabled bool) PublisherOption {
	return func(c *publisherConfig) {
		c.messageIDs = enabled
	}
}

// WithDefaultDeliveryMode sets the delivery mode of publishes that do not set one
func WithDefaultDeliveryMode(mode contracts.DeliveryMode) PublisherOption {
	return func(c *publisherConfig) {
		c.deliveryMode = mode
	}
}

// NewPublisher creates a publisher bound to exchange. A nil converter sends
// the body as raw bytes, which is only valid when T is []byte.
func NewPublisher[T any](ch Channel, exchange contracts.Exchange, conv contracts.Converter[T], options ...PublisherOption) *Publisher[T] {
	cfg := publisherConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	return &Publisher[T]{
		ch:           ch,
		exchange:     exchange,
		conv:         conv,
		logger:       cfg.logger,
		messageIDs:   cfg.messageIDs,
		deliveryMode: cfg.deliveryMode,
	}
}

// NewBytesPublisher creates a publisher for raw bodies
func NewBytesPublisher(ch Channel, exchange contracts.Exchange, options ...PublisherOption) *Publisher[[]byte] {
	return NewPublisher[[]byte](ch, exchange, nil, options...)
}

// Exchange returns the exchange the publisher sends to
func (p *Publisher[T]) Exchange() contracts.Exchange {
	return p.exchange
}

// Publish sends body under routingKey with empty properties
func (p *Publisher[T]) Publish(ctx context.Context, body T, routingKey string) error {
	return p.PublishWithProperties(ctx, body, nil, routingKey)
}

// PublishWithProperties sends body under routingKey. The converter sees a copy
// of props before encoding and may set the content type or encoding on it; the
// caller's builder is left unchanged. A nil props is replaced by an empty
// builder.
func (p *Publisher[T]) PublishWithProperties(ctx context.Context, body T, props *contracts.PropertiesBuilder, routingKey string) error {
	if props == nil {
		props = contracts.NewPropertiesBuilder()
	} else {
		props = props.Build().ToBuilder()
	}
	if p.deliveryMode != contracts.DeliveryModeUnset && props.DeliveryMode() == contracts.DeliveryModeUnset {
		props.SetDeliveryMode(p.deliveryMode)
	}
	if p.messageIDs && props.MessageID() == "" {
		props.SetMessageID(uuid.NewString())
	}

	data, err := p.encode(body, props)
	if err != nil {
		return p.fail(routingKey, err)
	}

	if err := p.ch.Publish(ctx, p.exchange.Name, routingKey, props.Build(), data); err != nil {
		return p.fail(routingKey, err)
	}

	p.published.Inc()
	p.logger.Debug("message published",
		"exchange", p.exchange.Name,
		"routingKey", routingKey,
		"size", len(data),
	)
	return nil
}

// Stats returns a snapshot of the publisher counters
func (p *Publisher[T]) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Publisher[T]) encode(body T, props *contracts.PropertiesBuilder) ([]byte, error) {
	if p.conv == nil {
		data, ok := any(body).([]byte)
		if !ok {
			return nil, contracts.ErrNoConverter
		}
		return data, nil
	}
	return p.conv.ToBytes(body, props)
}

func (p *Publisher[T]) fail(routingKey string, err error) error {
	p.failed.Inc()
	p.logger.Error("failed to publish message",
		"exchange", p.exchange.Name,
		"routingKey", routingKey,
		"error", err,
	)
	return &contracts.TransportError{Op: "publish", Resource: p.exchange.Name, Err: err}
}
