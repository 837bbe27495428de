package contracts

// ConsumeOptions controls a single broker subscription
type ConsumeOptions struct {
	// ConsumerTag identifies the subscription; a unique tag is generated
	// when empty
	ConsumerTag string
	// AutoAck makes the broker treat every delivery as acknowledged
	AutoAck bool
	// Exclusive requests exclusive access to the queue
	Exclusive bool
	// PrefetchCount limits unacknowledged deliveries on the channel; zero
	// leaves the channel setting unchanged
	PrefetchCount int
}
