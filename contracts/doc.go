// Package contracts provides the value types shared by every typedmq component.
//
// This package defines:
//   - Message: a decoded body together with its properties and envelope
//   - Envelope: broker delivery metadata (delivery tag, exchange, routing key)
//   - Properties / PropertiesBuilder: AMQP message properties
//   - Converter: the byte <-> value capability used by consumers and publishers
//   - The error taxonomy (TransportError, DecodeError, UnresolvedSchemaError)
//
// Properties, Envelope and Message are immutable once built and safe to share
// between goroutines. PropertiesBuilder is owned by the caller constructing a
// publish and must not be shared.
package contracts
