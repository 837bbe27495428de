package contracts

// Converter maps between raw message bytes and a typed value.
//
// ToBytes receives the properties builder of the publish before the body is
// encoded so it may set content type, content encoding or headers.
// FromBytes must return a usable value or an error; it must never return a
// value inconsistent with props.
//
// Implementations must be safe for concurrent use.
type Converter[T any] interface {
	ToBytes(value T, props *PropertiesBuilder) ([]byte, error)
	FromBytes(data []byte, props Properties) (T, error)
}
