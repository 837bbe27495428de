package serialization

import (
	"testing"

	"github.com/glimte/typedmq/internal/testproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEnum(t *testing.T) {
	enum := NewEnum(testproto.SeverityDescriptor())

	assert.Equal(t, []protoreflect.EnumNumber{0, 1, 5}, enum.Numbers())

	name, ok := enum.Name(5)
	require.True(t, ok)
	assert.Equal(t, "SEVERITY_CRITICAL_ERROR", name)
	_, ok = enum.Name(2)
	assert.False(t, ok)

	n, ok := enum.Number("SEVERITY_INFO")
	require.True(t, ok)
	assert.Equal(t, protoreflect.EnumNumber(1), n)
	_, ok = enum.Number("INFO")
	assert.False(t, ok)

	for number, want := range map[protoreflect.EnumNumber]string{0: "Debug", 1: "Info", 5: "Critical Error"} {
		got, ok := enum.PrettyName(number)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestEnumWithoutPrefix(t *testing.T) {
	// NULL_VALUE is the only value of google.protobuf.NullValue
	enum := NewEnum(structpb.NullValue(0).Descriptor())
	got, ok := enum.PrettyName(0)
	require.True(t, ok)
	assert.Equal(t, "Value", got)
}

func TestEnumOf(t *testing.T) {
	event := testproto.ExtFile().Messages().ByName("Event")

	enum, err := EnumOf(event, "severity")
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName(testproto.SeverityFullName), enum.Descriptor().FullName())

	_, err = EnumOf(event, "summary")
	assert.Error(t, err)
	_, err = EnumOf(event, "missing")
	assert.Error(t, err)
}

func TestRegistryEnums(t *testing.T) {
	b := NewRegistryBuilder()
	require.NoError(t, b.RegisterFile(testproto.ExtFile()))
	registry := b.MustBuild()

	enum, ok := registry.Enum(testproto.SeverityFullName)
	require.True(t, ok)
	pretty, _ := enum.PrettyName(5)
	assert.Equal(t, "Critical Error", pretty)

	_, ok = registry.Enum("ext.Missing")
	assert.False(t, ok)
}
