// Package testproto builds small protobuf schemas at runtime for tests that
// need schemas outside the well-known types.
package testproto

import (
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// YFullName is the schema full name of the Y message
	YFullName = "pkg.Y"
	// ZFullName is the schema full name of the Z message
	ZFullName = "pkg.Z"
	// EventFullName is the schema full name of the proto2 Event message
	EventFullName = "ext.Event"
	// NoteFullName is the full name of the extension declared on Event
	NoteFullName = "ext.note"
	// SeverityFullName is the full name of the Severity enum
	SeverityFullName = "ext.Severity"
)

var (
	once sync.Once
	file protoreflect.FileDescriptor

	extOnce sync.Once
	extFile protoreflect.FileDescriptor
)

// File returns the descriptor of pkg/y.proto:
//
//	message Y { string id = 1; int64 count = 2; repeated string tags = 3; Z nested = 4; }
//	message Z { bool enabled = 1; }
func File() protoreflect.FileDescriptor {
	once.Do(func() {
		fdp := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("pkg/y.proto"),
			Package: proto.String("pkg"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("Y"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
						field("count", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, false),
						field("tags", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING, true),
						messageField("nested", 4, ".pkg.Z"),
					},
				},
				{
					Name: proto.String("Z"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("enabled", 1, descriptorpb.FieldDescriptorProto_TYPE_BOOL, false),
					},
				},
			},
		}
		fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
		if err != nil {
			panic(err)
		}
		file = fd
	})
	return file
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Type:     typ.Enum(),
		Label:    label.Enum(),
	}
}

func messageField(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := field(name, number, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, false)
	f.TypeName = proto.String(typeName)
	return f
}

// ExtFile returns the descriptor of ext/event.proto:
//
//	syntax = "proto2";
//	enum Severity { SEVERITY_DEBUG = 0; SEVERITY_INFO = 1; SEVERITY_CRITICAL_ERROR = 5; }
//	message Event { optional string summary = 1; optional Severity severity = 2; extensions 100 to 199; }
//	extend Event { optional string note = 100; }
func ExtFile() protoreflect.FileDescriptor {
	extOnce.Do(func() {
		severity := field("severity", 2, descriptorpb.FieldDescriptorProto_TYPE_ENUM, false)
		severity.TypeName = proto.String(".ext.Severity")
		note := field("note", 100, descriptorpb.FieldDescriptorProto_TYPE_STRING, false)
		note.Extendee = proto.String(".ext.Event")
		note.JsonName = nil

		fdp := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("ext/event.proto"),
			Package: proto.String("ext"),
			Syntax:  proto.String("proto2"),
			EnumType: []*descriptorpb.EnumDescriptorProto{
				{
					Name: proto.String("Severity"),
					Value: []*descriptorpb.EnumValueDescriptorProto{
						{Name: proto.String("SEVERITY_DEBUG"), Number: proto.Int32(0)},
						{Name: proto.String("SEVERITY_INFO"), Number: proto.Int32(1)},
						{Name: proto.String("SEVERITY_CRITICAL_ERROR"), Number: proto.Int32(5)},
					},
				},
			},
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("Event"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("summary", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, false),
						severity,
					},
					ExtensionRange: []*descriptorpb.DescriptorProto_ExtensionRange{
						{Start: proto.Int32(100), End: proto.Int32(200)},
					},
				},
			},
			Extension: []*descriptorpb.FieldDescriptorProto{note},
		}
		fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
		if err != nil {
			panic(err)
		}
		extFile = fd
	})
	return extFile
}

// NewEvent builds an ext.Event carrying the note extension when note is not
// empty. The extension is set through xt, which must be the type the reader
// resolves ext.note to.
func NewEvent(summary string, severity protoreflect.EnumNumber, note string, xt protoreflect.ExtensionType) *dynamicpb.Message {
	md := ExtFile().Messages().ByName("Event")
	msg := dynamicpb.NewMessage(md)
	msg.Set(md.Fields().ByName("summary"), protoreflect.ValueOfString(summary))
	msg.Set(md.Fields().ByName("severity"), protoreflect.ValueOfEnum(severity))
	if note != "" {
		msg.Set(xt.TypeDescriptor(), protoreflect.ValueOfString(note))
	}
	return msg
}

// SeverityDescriptor returns the descriptor of ext.Severity
func SeverityDescriptor() protoreflect.EnumDescriptor {
	return ExtFile().Enums().ByName("Severity")
}

// YDescriptor returns the descriptor of pkg.Y
func YDescriptor() protoreflect.MessageDescriptor {
	return File().Messages().ByName("Y")
}

// NewY builds a pkg.Y message
func NewY(id string, count int64, tags ...string) *dynamicpb.Message {
	md := YDescriptor()
	msg := dynamicpb.NewMessage(md)
	msg.Set(md.Fields().ByName("id"), protoreflect.ValueOfString(id))
	msg.Set(md.Fields().ByName("count"), protoreflect.ValueOfInt64(count))
	if len(tags) > 0 {
		list := msg.Mutable(md.Fields().ByName("tags")).List()
		for _, tag := range tags {
			list.Append(protoreflect.ValueOfString(tag))
		}
	}

	zd := File().Messages().ByName("Z")
	nested := dynamicpb.NewMessage(zd)
	nested.Set(zd.Fields().ByName("enabled"), protoreflect.ValueOfBool(true))
	msg.Set(md.Fields().ByName("nested"), protoreflect.ValueOfMessage(nested))
	return msg
}

// DescriptorSet returns File serialized as a FileDescriptorSet
func DescriptorSet() []byte {
	return descriptorSet(File())
}

// ExtDescriptorSet returns ExtFile serialized as a FileDescriptorSet
func ExtDescriptorSet() []byte {
	return descriptorSet(ExtFile())
}

func descriptorSet(files ...protoreflect.FileDescriptor) []byte {
	set := &descriptorpb.FileDescriptorSet{}
	for _, fd := range files {
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	data, err := proto.Marshal(set)
	if err != nil {
		panic(err)
	}
	return data
}
