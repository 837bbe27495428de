package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/typedmq/internal/rabbitmq"
	"github.com/glimte/typedmq/messaging"
)

// Topology declarations, re-exported for callers outside this module
type (
	Topology            = rabbitmq.Topology
	ExchangeDeclaration = rabbitmq.ExchangeDeclaration
	QueueDeclaration    = rabbitmq.QueueDeclaration
	Binding             = rabbitmq.Binding
)

// DeadLetterTopology returns declarations for a queue whose rejected
// messages are routed to dlqName through the dlx exchange
func DeadLetterTopology(queueName, dlx, dlqName string) Topology {
	return rabbitmq.DeadLetterTopology(queueName, dlx, dlqName)
}

// Channel is one serialized AMQP channel. It satisfies messaging.Channel
// and is shared by every consumer and publisher created on it.
type Channel struct {
	*rabbitmq.Channel
	topology *rabbitmq.TopologyManager
}

var _ messaging.Channel = (*Channel)(nil)

// DeclareTopology declares exchanges, queues and bindings on this channel
func (c *Channel) DeclareTopology(ctx context.Context, topology Topology) error {
	return c.topology.DeclareTopology(ctx, topology)
}

// QueueDepth returns the number of ready messages in a queue
func (c *Channel) QueueDepth(ctx context.Context, queue string) (int, error) {
	q, err := c.topology.InspectQueue(ctx, queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Transport owns one broker connection and the channels opened on it
type Transport struct {
	manager *rabbitmq.ConnectionManager
	open    func() (rabbitmq.AMQPChannel, error)
	logger  *slog.Logger

	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithTransportLogger sets the logger used by the transport, its
// connection and its channels
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := newTransport(manager, func() (rabbitmq.AMQPChannel, error) {
		ch, err := manager.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, cfg.Logger)
	manager.AddStateListener(t)
	return t, nil
}

func newTransport(manager *rabbitmq.ConnectionManager, open func() (rabbitmq.AMQPChannel, error), logger *slog.Logger) *Transport {
	return &Transport{
		manager: manager,
		open:    open,
		logger:  logger,
	}
}

// OpenChannel opens a new serialized channel
func (t *Transport) OpenChannel(ctx context.Context) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	amqpCh, err := t.open()
	if err != nil {
		return nil, err
	}

	inner := rabbitmq.NewChannel(amqpCh, rabbitmq.WithChannelLogger(t.logger))
	ch := &Channel{
		Channel:  inner,
		topology: rabbitmq.NewTopologyManager(inner),
	}
	t.channels = append(t.channels, ch)

	t.logger.Debug("channel opened", "channel", inner.ID())
	return ch, nil
}

// DeclareTopology declares a topology on a short-lived channel
func (t *Transport) DeclareTopology(ctx context.Context, topology Topology) error {
	ch, err := t.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer t.release(ch)

	return ch.DeclareTopology(ctx, topology)
}

// QueueDepth returns the number of ready messages in a queue. A failed
// inspection closes the channel it ran on, so each call uses its own.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	ch, err := t.OpenChannel(ctx)
	if err != nil {
		return 0, err
	}
	defer t.release(ch)

	return ch.QueueDepth(ctx, queue)
}

// IsConnected reports whether the broker connection is alive
func (t *Transport) IsConnected() bool {
	return t.manager != nil && t.manager.IsConnected()
}

// Close closes every channel and then the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.manager != nil {
		if err := t.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {
	t.logger.Info("broker connection established")
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. Channels of a
// lost connection are dead; consumers see their delivery streams close.
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	n := len(t.channels)
	t.mu.Unlock()
	t.logger.Error("broker connection lost", "error", err, "openChannels", n)
}

func (t *Transport) release(ch *Channel) {
	t.mu.Lock()
	for i, c := range t.channels {
		if c == ch {
			t.channels = append(t.channels[:i], t.channels[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if err := ch.Close(); err != nil {
		t.logger.Warn("failed to close channel", "channel", ch.ID(), "error", err)
	}
}
