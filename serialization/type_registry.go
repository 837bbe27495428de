package serialization

import (
	"fmt"
	"sort"

	"github.com/glimte/typedmq/contracts"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// RegistryBuilder collects message types during initialization. It is not
// safe for concurrent use; call Build once population is complete and share
// the resulting Registry.
type RegistryBuilder struct {
	types      map[string]protoreflect.MessageType
	extensions map[protoreflect.FullName]protoreflect.ExtensionType
	enums      map[protoreflect.FullName]protoreflect.EnumDescriptor
}

// NewRegistryBuilder creates an empty builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		types:      make(map[string]protoreflect.MessageType),
		extensions: make(map[protoreflect.FullName]protoreflect.ExtensionType),
		enums:      make(map[protoreflect.FullName]protoreflect.EnumDescriptor),
	}
}

// Register registers the type of msg under its schema full name
func (b *RegistryBuilder) Register(msg proto.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	return b.RegisterType(msg.ProtoReflect().Type())
}

// RegisterType registers a message type under its schema full name
func (b *RegistryBuilder) RegisterType(mt protoreflect.MessageType) error {
	if mt == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	fullName := string(mt.Descriptor().FullName())
	if existing, exists := b.types[fullName]; exists {
		if existing.Descriptor() == mt.Descriptor() {
			// Same type, ignore
			return nil
		}
		return fmt.Errorf("schema %s already registered to a different type", fullName)
	}

	b.types[fullName] = mt
	return nil
}

// RegisterFile registers every message (including nested messages), enum
// and extension declared in fd. Generated types from the global registry
// are preferred; dynamic types are used for descriptors that have no
// generated Go type.
func (b *RegistryBuilder) RegisterFile(fd protoreflect.FileDescriptor) error {
	if fd == nil {
		return fmt.Errorf("file descriptor cannot be nil")
	}
	b.registerEnums(fd.Enums())
	if err := b.registerMessages(fd.Messages()); err != nil {
		return fmt.Errorf("failed to register %s: %w", fd.Path(), err)
	}
	if err := b.registerExtensions(fd.Extensions()); err != nil {
		return fmt.Errorf("failed to register %s: %w", fd.Path(), err)
	}
	return nil
}

// RegisterDescriptorSet registers every file of a serialized
// FileDescriptorSet, as produced by protoc --descriptor_set_out with
// --include_imports. The set must contain every imported file.
func (b *RegistryBuilder) RegisterDescriptorSet(data []byte) error {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("failed to parse descriptor set: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return fmt.Errorf("failed to link descriptor set: %w", err)
	}

	var regErr error
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		regErr = b.RegisterFile(fd)
		return regErr == nil
	})
	return regErr
}

// RegisterExtension adds an extension to the shared extension table
func (b *RegistryBuilder) RegisterExtension(xt protoreflect.ExtensionType) error {
	if xt == nil {
		return fmt.Errorf("extension type cannot be nil")
	}
	name := xt.TypeDescriptor().FullName()
	if existing, exists := b.extensions[name]; exists && existing != xt {
		return fmt.Errorf("extension %s already registered", name)
	}
	b.extensions[name] = xt
	return nil
}

func (b *RegistryBuilder) registerMessages(mds protoreflect.MessageDescriptors) error {
	for i := 0; i < mds.Len(); i++ {
		md := mds.Get(i)
		if md.IsMapEntry() {
			continue
		}

		mt, err := protoregistry.GlobalTypes.FindMessageByName(md.FullName())
		if err != nil {
			mt = dynamicpb.NewMessageType(md)
		}
		if err := b.RegisterType(mt); err != nil {
			return err
		}
		b.registerEnums(md.Enums())
		if err := b.registerMessages(md.Messages()); err != nil {
			return err
		}
		if err := b.registerExtensions(md.Extensions()); err != nil {
			return err
		}
	}
	return nil
}

func (b *RegistryBuilder) registerEnums(eds protoreflect.EnumDescriptors) {
	for i := 0; i < eds.Len(); i++ {
		ed := eds.Get(i)
		b.enums[ed.FullName()] = ed
	}
}

func (b *RegistryBuilder) registerExtensions(xds protoreflect.ExtensionDescriptors) error {
	for i := 0; i < xds.Len(); i++ {
		xd := xds.Get(i)
		xt, err := protoregistry.GlobalTypes.FindExtensionByName(xd.FullName())
		if err != nil {
			xt = dynamicpb.NewExtensionType(xd)
		}
		if err := b.RegisterExtension(xt); err != nil {
			return err
		}
	}
	return nil
}

// Build freezes the collected types into a Registry. The builder may keep
// being used afterwards without affecting registries already built.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{
		types: make(map[string]protoreflect.MessageType, len(b.types)),
		enums: make(map[string]*Enum, len(b.enums)),
		table: new(protoregistry.Types),
	}
	for name, ed := range b.enums {
		r.enums[string(name)] = NewEnum(ed)
	}

	for name, mt := range b.types {
		r.types[name] = mt
		if err := r.table.RegisterMessage(mt); err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", name, err)
		}
	}
	for name, xt := range b.extensions {
		if err := r.table.RegisterExtension(xt); err != nil {
			return nil, fmt.Errorf("failed to index extension %s: %w", name, err)
		}
	}

	return r, nil
}

// MustBuild is like Build but panics on error. Intended for package-level
// registries populated from generated code.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Registry maps schema full names to message types. It is immutable, so
// lookups are safe from any number of goroutines without locking.
type Registry struct {
	types map[string]protoreflect.MessageType
	enums map[string]*Enum
	table *protoregistry.Types
}

// Lookup returns the message type registered under fullName
func (r *Registry) Lookup(fullName string) (protoreflect.MessageType, bool) {
	mt, ok := r.types[fullName]
	return mt, ok
}

// Resolve is like Lookup but reports a miss as *contracts.UnresolvedSchemaError
func (r *Registry) Resolve(fullName string) (protoreflect.MessageType, error) {
	mt, ok := r.types[fullName]
	if !ok {
		return nil, &contracts.UnresolvedSchemaError{FullName: fullName}
	}
	return mt, nil
}

// Enum returns the enum registered under fullName by RegisterFile
func (r *Registry) Enum(fullName string) (*Enum, bool) {
	e, ok := r.enums[fullName]
	return e, ok
}

// DefaultInstance returns the read-only default message of a schema
func (r *Registry) DefaultInstance(fullName string) (proto.Message, bool) {
	mt, ok := r.types[fullName]
	if !ok {
		return nil, false
	}
	return mt.Zero().Interface(), true
}

// Extensions returns the shared extension table. It also resolves the
// registered message types, which protojson needs for google.protobuf.Any.
func (r *Registry) Extensions() *protoregistry.Types {
	return r.table
}

// Names returns all registered schema full names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered schemas
func (r *Registry) Len() int {
	return len(r.types)
}
