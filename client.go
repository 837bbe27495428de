// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typedmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/internal/rabbitmq"
	"github.com/glimte/typedmq/messaging"
	"github.com/glimte/typedmq/rest"
	"github.com/glimte/typedmq/serialization"
	rabbitmqTransport "github.com/glimte/typedmq/transports/rabbitmq"
)

// ErrNoRegistry is returned when a registry-backed component is requested
// from a client created without WithRegistry
var ErrNoRegistry = errors.New("typedmq: client has no type registry")

// Client provides the main entry point for typedmq. It owns one broker
// connection and a shared channel used by the consumers and publishers it
// creates.
type Client struct {
	transport *rabbitmqTransport.Transport
	registry  *serialization.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	channel *rabbitmqTransport.Channel
}

// NewClient connects to the broker at connectionString
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.connectTimeout))
	}
	if cfg.heartbeat > 0 {
		connOpts = append(connOpts, rabbitmq.WithHeartbeat(cfg.heartbeat))
	}

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString,
		rabbitmqTransport.WithTransportLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(connOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	c := &Client{
		transport: transport,
		registry:  cfg.registry,
		logger:    cfg.logger,
	}

	if len(cfg.topology.Exchanges)+len(cfg.topology.Queues)+len(cfg.topology.Bindings) > 0 {
		if err := transport.DeclareTopology(ctx, cfg.topology); err != nil {
			transport.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
		cfg.logger.Info("topology declared",
			"exchanges", len(cfg.topology.Exchanges),
			"queues", len(cfg.topology.Queues),
			"bindings", len(cfg.topology.Bindings),
		)
	}

	return c, nil
}

// Channel returns the shared channel, opening it on first use
func (c *Client) Channel(ctx context.Context) (*rabbitmqTransport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	ch, err := c.transport.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	c.channel = ch
	return ch, nil
}

// OpenChannel opens a dedicated channel, for example to keep a busy
// consumer from contending with publishers
func (c *Client) OpenChannel(ctx context.Context) (*rabbitmqTransport.Channel, error) {
	return c.transport.OpenChannel(ctx)
}

// DeclareTopology declares exchanges, queues and bindings
func (c *Client) DeclareTopology(ctx context.Context, topology rabbitmqTransport.Topology) error {
	return c.transport.DeclareTopology(ctx, topology)
}

// QueueDepth returns the number of ready messages in a queue
func (c *Client) QueueDepth(ctx context.Context, queue string) (int, error) {
	return c.transport.QueueDepth(ctx, queue)
}

// Registry returns the type registry, or nil
func (c *Client) Registry() *serialization.Registry {
	return c.registry
}

// Converter returns a header-driven protobuf converter over the registry
func (c *Client) Converter(options ...serialization.ProtoOption) (*serialization.RegistryConverter, error) {
	if c.registry == nil {
		return nil, ErrNoRegistry
	}
	return serialization.NewRegistryConverter(c.registry, options...), nil
}

// Provider returns an HTTP provider over the registry
func (c *Client) Provider(options ...rest.ProviderOption) (*rest.Provider, error) {
	if c.registry == nil {
		return nil, ErrNoRegistry
	}
	options = append([]rest.ProviderOption{rest.WithProviderLogger(c.logger)}, options...)
	return rest.NewProvider(c.registry, options...), nil
}

// Logger returns the client logger
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// IsConnected reports whether the broker connection is alive
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Close closes all channels and the connection
func (c *Client) Close() error {
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
	return c.transport.Close()
}

// NewConsumer creates a consumer for queue on the client's shared channel
func NewConsumer[T any](ctx context.Context, c *Client, queue string, conv contracts.Converter[T], options ...messaging.ConsumerOption) (*messaging.Consumer[T], error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}
	options = append([]messaging.ConsumerOption{messaging.WithConsumerLogger(c.logger)}, options...)
	return messaging.NewConsumer(ch, contracts.NewQueue(queue), conv, options...), nil
}

// NewPublisher creates a publisher for exchange on the client's shared channel
func NewPublisher[T any](ctx context.Context, c *Client, exchange string, conv contracts.Converter[T], options ...messaging.PublisherOption) (*messaging.Publisher[T], error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}
	options = append([]messaging.PublisherOption{messaging.WithPublisherLogger(c.logger)}, options...)
	return messaging.NewPublisher(ch, contracts.NewExchange(exchange), conv, options...), nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	registry       *serialization.Registry
	connectTimeout time.Duration
	heartbeat      time.Duration
	topology       rabbitmqTransport.Topology
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithRegistry sets the type registry used by Converter and Provider
func WithRegistry(registry *serialization.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithConnectTimeout bounds the initial connection attempt
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = interval
	}
}

// WithTopology declares topology right after connecting
func WithTopology(topology rabbitmqTransport.Topology) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topology.Exchanges = append(cfg.topology.Exchanges, topology.Exchanges...)
		cfg.topology.Queues = append(cfg.topology.Queues, topology.Queues...)
		cfg.topology.Bindings = append(cfg.topology.Bindings, topology.Bindings...)
	}
}
