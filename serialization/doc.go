// Package serialization provides the converters and the schema registry used
// to move typed values through a byte-oriented broker.
//
// Protobuf messages are the primary payload. Because a binary protobuf body
// does not say which schema it uses, the schema full name travels beside the
// bytes in the HeaderFullName header and is resolved against a Registry:
//
//	b := serialization.NewRegistryBuilder()
//	_ = b.RegisterFile(orderspb.File_orders_proto)
//	registry := b.MustBuild()
//
//	conv := serialization.NewRegistryConverter(registry)
//
// A Registry is built once during initialization and is read-only afterwards.
package serialization
