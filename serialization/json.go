package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/typedmq/contracts"
)

// JSONConverter converts plain Go values using encoding/json
type JSONConverter[T any] struct{}

// NewJSONConverter creates a JSON converter for T
func NewJSONConverter[T any]() JSONConverter[T] {
	return JSONConverter[T]{}
}

// ToBytes implements contracts.Converter
func (JSONConverter[T]) ToBytes(value T, props *contracts.PropertiesBuilder) ([]byte, error) {
	props.SetContentType(MediaTypeJSON)
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return data, nil
}

// FromBytes implements contracts.Converter
func (JSONConverter[T]) FromBytes(data []byte, _ contracts.Properties) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return v, nil
}
