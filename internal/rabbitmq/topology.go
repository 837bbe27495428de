package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings through a
// serialized Channel. Declarations are setup helpers; routing itself is left
// entirely to the broker.
type TopologyManager struct {
	ch *Channel
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Validate checks that every declaration is named
func (t Topology) Validate() error {
	for _, ex := range t.Exchanges {
		if ex.Name == "" || ex.Type == "" {
			return fmt.Errorf("%w: exchange needs a name and a type", ErrInvalidTopology)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding needs a queue and an exchange", ErrInvalidTopology)
		}
	}
	return nil
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch *Channel) *TopologyManager {
	return &TopologyManager{ch: ch}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}

	return tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return err
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue. An empty name lets the broker
// generate one, which is returned.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		return bindQueue(ch, binding)
	})
}

// DeleteQueue deletes a queue and returns the number of purged messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var purged int
	err := tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		var err error
		purged, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		if err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
	return purged, err
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	return tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		if err := ch.ExchangeDelete(name, ifUnused, false); err != nil {
			return topologyError("exchange", name, "delete", err)
		}
		return nil
	})
}

// InspectQueue returns the message and consumer counts of an existing queue
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.ch.Execute(ctx, func(ch AMQPChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return topologyError("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

func declareExchange(ch AMQPChannel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

func declareQueue(ch AMQPChannel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

func bindQueue(ch AMQPChannel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// DeadLetterTopology returns declarations for a queue whose rejected
// messages are routed to dlqName through the dlx exchange
func DeadLetterTopology(queueName, dlx, dlqName string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlqName, Durable: true},
			{
				Name:    queueName,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    dlx,
					"x-dead-letter-routing-key": dlqName,
				},
			},
		},
		Bindings: []Binding{
			{Queue: dlqName, Exchange: dlx, RoutingKey: dlqName},
		},
	}
}
