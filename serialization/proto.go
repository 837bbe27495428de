package serialization

import (
	"fmt"
	"mime"
	"strings"

	"github.com/glimte/typedmq/contracts"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	// HeaderFullName carries the schema full name of a protobuf body, both as
	// an AMQP header and as an HTTP header
	HeaderFullName = "X-Protobuf-FullName"

	// MediaTypeProtobuf is the compact binary representation
	MediaTypeProtobuf = "application/x-protobuf"

	// MediaTypeJSON is the human-readable representation
	MediaTypeJSON = "application/json"
)

// IsJSON reports whether mediaType selects the text representation.
// Media type parameters such as charset are ignored.
func IsJSON(mediaType string) bool {
	return baseMediaType(mediaType) == MediaTypeJSON
}

// IsProtobuf reports whether mediaType selects the binary representation
func IsProtobuf(mediaType string) bool {
	return baseMediaType(mediaType) == MediaTypeProtobuf
}

func baseMediaType(mediaType string) string {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base, _, _ = strings.Cut(mediaType, ";")
	}
	return strings.ToLower(strings.TrimSpace(base))
}

// ProtoCodec encodes and decodes protobuf messages whose schema is named out
// of band. Binary and JSON representations are supported.
type ProtoCodec struct {
	registry *Registry
}

// NewProtoCodec creates a codec resolving schemas against registry
func NewProtoCodec(registry *Registry) *ProtoCodec {
	return &ProtoCodec{registry: registry}
}

// Registry returns the registry used for resolution
func (c *ProtoCodec) Registry() *Registry {
	return c.registry
}

// Marshal encodes msg in the representation selected by mediaType
func (c *ProtoCodec) Marshal(msg proto.Message, mediaType string) ([]byte, error) {
	if IsJSON(mediaType) {
		return protojson.MarshalOptions{Resolver: c.registry.Extensions()}.Marshal(msg)
	}
	return proto.Marshal(msg)
}

// Unmarshal resolves fullName and decodes data into a new message of that
// schema. A missing name yields contracts.ErrMissingSchemaName and an unknown
// one a *contracts.UnresolvedSchemaError.
func (c *ProtoCodec) Unmarshal(fullName, mediaType string, data []byte) (proto.Message, error) {
	if fullName == "" {
		return nil, contracts.ErrMissingSchemaName
	}
	mt, err := c.registry.Resolve(fullName)
	if err != nil {
		return nil, err
	}

	msg := mt.New().Interface()
	if err := unmarshalInto(msg, mediaType, data, c.registry); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", fullName, err)
	}
	return msg, nil
}

// UnmarshalInto merges data into msg using the representation selected by
// mediaType and the registry's extension table
func (c *ProtoCodec) UnmarshalInto(msg proto.Message, mediaType string, data []byte) error {
	return unmarshalInto(msg, mediaType, data, c.registry)
}

func unmarshalInto(msg proto.Message, mediaType string, data []byte, registry *Registry) error {
	if IsJSON(mediaType) {
		opts := protojson.UnmarshalOptions{}
		if registry != nil {
			opts.Resolver = registry.Extensions()
		}
		return opts.Unmarshal(data, msg)
	}

	opts := proto.UnmarshalOptions{Merge: true}
	if registry != nil {
		opts.Resolver = registry.Extensions()
	}
	return opts.Unmarshal(data, msg)
}

// FullNameOf returns the schema full name of msg
func FullNameOf(msg proto.Message) string {
	return string(msg.ProtoReflect().Descriptor().FullName())
}

// ProtoOption configures the protobuf converters
type ProtoOption func(*protoConfig)

type protoConfig struct {
	mediaType string
	registry  *Registry
}

// WithJSONEncoding makes the converter publish the JSON representation
func WithJSONEncoding() ProtoOption {
	return func(cfg *protoConfig) {
		cfg.mediaType = MediaTypeJSON
	}
}

// WithExtensionRegistry resolves extensions from registry while decoding
func WithExtensionRegistry(registry *Registry) ProtoOption {
	return func(cfg *protoConfig) {
		cfg.registry = registry
	}
}

func newProtoConfig(options []ProtoOption) protoConfig {
	cfg := protoConfig{mediaType: MediaTypeProtobuf}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// ProtoConverter converts a single, statically known protobuf type
type ProtoConverter[M proto.Message] struct {
	mt  protoreflect.MessageType
	cfg protoConfig
}

// NewProtoConverter creates a converter for M, which must be a generated
// message pointer type such as *pb.Order
func NewProtoConverter[M proto.Message](options ...ProtoOption) *ProtoConverter[M] {
	var zero M
	return &ProtoConverter[M]{
		mt:  zero.ProtoReflect().Type(),
		cfg: newProtoConfig(options),
	}
}

// FullName returns the schema full name handled by the converter
func (c *ProtoConverter[M]) FullName() string {
	return string(c.mt.Descriptor().FullName())
}

// ToBytes implements contracts.Converter
func (c *ProtoConverter[M]) ToBytes(value M, props *contracts.PropertiesBuilder) ([]byte, error) {
	props.SetContentType(c.cfg.mediaType)
	props.SetHeader(HeaderFullName, c.FullName())
	if IsJSON(c.cfg.mediaType) {
		return protojson.Marshal(value)
	}
	return proto.Marshal(value)
}

// FromBytes implements contracts.Converter
func (c *ProtoConverter[M]) FromBytes(data []byte, props contracts.Properties) (M, error) {
	var zero M
	if name, ok := props.HeaderString(HeaderFullName); ok && name != c.FullName() {
		return zero, fmt.Errorf("%w: got %s, want %s", contracts.ErrSchemaMismatch, name, c.FullName())
	}

	msg := c.mt.New().Interface().(M)
	if err := unmarshalInto(msg, props.ContentType(), data, c.cfg.registry); err != nil {
		return zero, fmt.Errorf("failed to decode %s: %w", c.FullName(), err)
	}
	return msg, nil
}

// RegistryConverter converts any protobuf message whose full name travels in
// the HeaderFullName header and is known to the registry
type RegistryConverter struct {
	codec *ProtoCodec
	cfg   protoConfig
}

// NewRegistryConverter creates a header-driven converter
func NewRegistryConverter(registry *Registry, options ...ProtoOption) *RegistryConverter {
	return &RegistryConverter{
		codec: NewProtoCodec(registry),
		cfg:   newProtoConfig(options),
	}
}

// ToBytes implements contracts.Converter
func (c *RegistryConverter) ToBytes(value proto.Message, props *contracts.PropertiesBuilder) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	props.SetContentType(c.cfg.mediaType)
	props.SetHeader(HeaderFullName, FullNameOf(value))
	return c.codec.Marshal(value, c.cfg.mediaType)
}

// FromBytes implements contracts.Converter
func (c *RegistryConverter) FromBytes(data []byte, props contracts.Properties) (proto.Message, error) {
	name, _ := props.HeaderString(HeaderFullName)
	return c.codec.Unmarshal(name, props.ContentType(), data)
}

var (
	_ contracts.Converter[proto.Message] = (*RegistryConverter)(nil)
)
