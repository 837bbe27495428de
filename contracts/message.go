package contracts

// Delivered is implemented by anything that came off a queue and can be
// acknowledged or rejected by its delivery tag.
type Delivered interface {
	Envelope() Envelope
}

// Message is a decoded delivery. It is immutable once constructed.
type Message[T any] struct {
	body       T
	properties Properties
	envelope   Envelope
}

// NewMessage creates a message from its parts
func NewMessage[T any](body T, properties Properties, envelope Envelope) *Message[T] {
	return &Message[T]{
		body:       body,
		properties: properties,
		envelope:   envelope,
	}
}

// Body returns the decoded body
func (m *Message[T]) Body() T {
	return m.body
}

// Properties returns the message properties
func (m *Message[T]) Properties() Properties {
	return m.properties
}

// Envelope returns the delivery envelope
func (m *Message[T]) Envelope() Envelope {
	return m.envelope
}

var _ Delivered = (*Message[[]byte])(nil)
