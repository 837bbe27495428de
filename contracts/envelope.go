package contracts

import "fmt"

// Envelope carries the broker metadata of a single delivery.
//
// DeliveryTag is only meaningful on the channel that produced it and must
// never be persisted or compared across channels.
type Envelope struct {
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Redelivered bool
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope[deliveryTag=%d, exchange=%s, routingKey=%s, redelivered=%t]",
		e.DeliveryTag, e.Exchange, e.RoutingKey, e.Redelivered)
}

// Queue names a broker queue. Queues are owned by the broker; consumers only
// reference them.
type Queue struct {
	Name string
}

// NewQueue returns a queue reference
func NewQueue(name string) Queue {
	return Queue{Name: name}
}

func (q Queue) String() string {
	return "queue:" + q.Name
}

// Exchange names a broker exchange.
type Exchange struct {
	Name string
}

// NewExchange returns an exchange reference
func NewExchange(name string) Exchange {
	return Exchange{Name: name}
}

func (e Exchange) String() string {
	return "exchange:" + e.Name
}
