package serialization

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Enum maps between the numbers, names and display names of a protobuf enum
type Enum struct {
	desc   protoreflect.EnumDescriptor
	pretty map[protoreflect.EnumNumber]string
}

// NewEnum wraps desc. Display names drop the prefix shared with the first
// value, so SEVERITY_CRITICAL_ERROR becomes "Critical Error" when the first
// value is SEVERITY_DEBUG.
func NewEnum(desc protoreflect.EnumDescriptor) *Enum {
	values := desc.Values()
	prefix := ""
	if values.Len() > 0 {
		if head, _, found := strings.Cut(string(values.Get(0).Name()), "_"); found {
			prefix = head + "_"
		}
	}

	title := cases.Title(language.Und)
	e := &Enum{desc: desc, pretty: make(map[protoreflect.EnumNumber]string, values.Len())}
	for i := 0; i < values.Len(); i++ {
		v := values.Get(i)
		short := strings.TrimPrefix(string(v.Name()), prefix)
		e.pretty[v.Number()] = title.String(strings.ReplaceAll(short, "_", " "))
	}
	return e
}

// EnumOf returns the enum of the named field of md
func EnumOf(md protoreflect.MessageDescriptor, field string) (*Enum, error) {
	fd := md.Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return nil, fmt.Errorf("%s has no field %s", md.FullName(), field)
	}
	if fd.Enum() == nil {
		return nil, fmt.Errorf("field %s is not an enum", fd.FullName())
	}
	return NewEnum(fd.Enum()), nil
}

// Descriptor returns the wrapped enum descriptor
func (e *Enum) Descriptor() protoreflect.EnumDescriptor {
	return e.desc
}

// Numbers returns the distinct value numbers in ascending order
func (e *Enum) Numbers() []protoreflect.EnumNumber {
	numbers := make([]protoreflect.EnumNumber, 0, len(e.pretty))
	for n := range e.pretty {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	return numbers
}

// Name returns the name of the value numbered n
func (e *Enum) Name(n protoreflect.EnumNumber) (string, bool) {
	v := e.desc.Values().ByNumber(n)
	if v == nil {
		return "", false
	}
	return string(v.Name()), true
}

// Number returns the number of the value called name
func (e *Enum) Number(name string) (protoreflect.EnumNumber, bool) {
	v := e.desc.Values().ByName(protoreflect.Name(name))
	if v == nil {
		return 0, false
	}
	return v.Number(), true
}

// PrettyName returns the display name of the value numbered n
func (e *Enum) PrettyName(n protoreflect.EnumNumber) (string, bool) {
	s, ok := e.pretty[n]
	return s, ok
}
