package serialization

import "github.com/glimte/typedmq/contracts"

// DeflateConverter compresses the output of another converter and marks the
// publish with the deflate content encoding. Consumers inflate such bodies
// before conversion, so FromBytes simply delegates.
type DeflateConverter[T any] struct {
	inner contracts.Converter[T]
}

// Deflate wraps inner with write-side compression
func Deflate[T any](inner contracts.Converter[T]) *DeflateConverter[T] {
	return &DeflateConverter[T]{inner: inner}
}

// ToBytes implements contracts.Converter
func (c *DeflateConverter[T]) ToBytes(value T, props *contracts.PropertiesBuilder) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if c.inner == nil {
		raw, ok := any(value).([]byte)
		if !ok {
			return nil, contracts.ErrNoConverter
		}
		data = raw
	} else {
		data, err = c.inner.ToBytes(value, props)
		if err != nil {
			return nil, err
		}
	}

	compressed, err := Compress(data)
	if err != nil {
		return nil, err
	}
	props.SetContentEncoding(ContentEncodingDeflate)
	return compressed, nil
}

// FromBytes implements contracts.Converter
func (c *DeflateConverter[T]) FromBytes(data []byte, props contracts.Properties) (T, error) {
	if c.inner == nil {
		raw, ok := any(data).(T)
		if !ok {
			var zero T
			return zero, contracts.ErrNoConverter
		}
		return raw, nil
	}
	return c.inner.FromBytes(data, props)
}
