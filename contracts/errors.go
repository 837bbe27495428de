package contracts

import (
	"errors"
	"fmt"
)

var (
	// Decode failure causes
	ErrDecompress  = errors.New("typedmq: failed to decompress message body")
	ErrEmptyBody   = errors.New("typedmq: converter returned no value")
	ErrNoConverter = errors.New("typedmq: no converter configured for non-byte body")

	// Consumer state errors
	ErrNotSubscribed      = errors.New("typedmq: consumer is not subscribed")
	ErrConsumerCancelled  = errors.New("typedmq: consumer cancelled")
	ErrUnknownDeliveryTag = errors.New("typedmq: delivery tag is not outstanding on this consumer")
	ErrStreamClosed       = errors.New("typedmq: delivery stream closed by the broker")

	// Schema resolution
	ErrMissingSchemaName = errors.New("typedmq: missing schema full name")
	ErrSchemaMismatch    = errors.New("typedmq: schema full name does not match converter")
)

// TransportError reports a failed broker call. This layer never retries;
// the caller or the broker configuration owns retry policy.
type TransportError struct {
	Op       string // subscribe, cancel, publish, ack, reject, receive
	Resource string // queue or exchange name
	Err      error
}

func (e *TransportError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("typedmq transport error: %s on %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("typedmq transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a delivery whose body could not be turned into a typed
// value. Message holds the raw bytes as delivered (or as decompressed, when
// decompression succeeded) together with the original properties and
// envelope, so the delivery can still be rejected, requeued or dead-lettered.
type DecodeError struct {
	Message *Message[[]byte]
	Err     error
}

func (e *DecodeError) Error() string {
	env := e.Message.Envelope()
	return fmt.Sprintf("typedmq decode error: delivery %d from %s/%s (%d bytes): %v",
		env.DeliveryTag, env.Exchange, env.RoutingKey, len(e.Message.Body()), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Envelope makes a DecodeError directly acceptable to Ack and Reject
func (e *DecodeError) Envelope() Envelope {
	return e.Message.Envelope()
}

// RawBody returns the bytes that failed to decode
func (e *DecodeError) RawBody() []byte {
	return e.Message.Body()
}

// NewDecodeError packages a failed delivery
func NewDecodeError(raw []byte, props Properties, env Envelope, err error) *DecodeError {
	return &DecodeError{
		Message: NewMessage(raw, props, env),
		Err:     err,
	}
}

// UnresolvedSchemaError reports a schema full name the registry does not know
type UnresolvedSchemaError struct {
	FullName string
}

func (e *UnresolvedSchemaError) Error() string {
	return fmt.Sprintf("typedmq: schema full name not supported by registry: %s", e.FullName)
}

// AsDecodeError extracts a DecodeError from err
func AsDecodeError(err error) (*DecodeError, bool) {
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return decErr, true
	}
	return nil, false
}

// IsTransportError reports whether err is a broker failure
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
