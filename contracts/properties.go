package contracts

import (
	"reflect"
	"strings"
	"time"
)

// DeliveryMode is the AMQP delivery mode of a message
type DeliveryMode uint8

const (
	// DeliveryModeUnset leaves the delivery mode to the broker default
	DeliveryModeUnset DeliveryMode = 0
	// NonPersistent messages may be lost if the broker restarts
	NonPersistent DeliveryMode = 1
	// Persistent messages are written to disk by durable queues
	Persistent DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	switch m {
	case NonPersistent:
		return "NON_PERSISTENT"
	case Persistent:
		return "PERSISTENT"
	default:
		return "UNSET"
	}
}

// Properties holds the AMQP properties of a message. The zero value is a
// message with no properties set.
type Properties struct {
	contentType     string
	contentEncoding string
	correlationID   string
	appID           string
	messageID       string
	replyTo         string
	expiration      string
	timestamp       time.Time
	priority        uint8
	userID          string
	messageType     string
	deliveryMode    DeliveryMode
	headers         map[string]any
}

func (p Properties) ContentType() string        { return p.contentType }
func (p Properties) ContentEncoding() string    { return p.contentEncoding }
func (p Properties) CorrelationID() string      { return p.correlationID }
func (p Properties) AppID() string              { return p.appID }
func (p Properties) MessageID() string          { return p.messageID }
func (p Properties) ReplyTo() string            { return p.replyTo }
func (p Properties) Expiration() string         { return p.expiration }
func (p Properties) Timestamp() time.Time       { return p.timestamp }
func (p Properties) Priority() uint8            { return p.priority }
func (p Properties) UserID() string             { return p.userID }
func (p Properties) Type() string               { return p.messageType }
func (p Properties) DeliveryMode() DeliveryMode { return p.deliveryMode }

// Headers returns a deep copy of the message headers
func (p Properties) Headers() map[string]any {
	return cloneHeaders(p.headers)
}

// Header returns a copy of a single header value
func (p Properties) Header(name string) (any, bool) {
	v, ok := p.headers[name]
	return cloneValue(v), ok
}

// HeaderString returns a header value if it is present and a string.
// AMQP long strings decoded as []byte are converted as well.
func (p Properties) HeaderString(name string) (string, bool) {
	switch v := p.headers[name].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// HasContentEncoding reports whether the content encoding equals enc,
// ignoring case
func (p Properties) HasContentEncoding(enc string) bool {
	return strings.EqualFold(p.contentEncoding, enc)
}

// ToBuilder returns a builder seeded with a copy of p
func (p Properties) ToBuilder() *PropertiesBuilder {
	b := &PropertiesBuilder{props: p}
	b.props.headers = cloneHeaders(p.headers)
	return b
}

// PropertiesBuilder constructs Properties for a publish. A builder belongs to
// the call that creates it and is not safe for concurrent use.
type PropertiesBuilder struct {
	props Properties
}

// NewPropertiesBuilder returns an empty builder
func NewPropertiesBuilder() *PropertiesBuilder {
	return &PropertiesBuilder{}
}

func (b *PropertiesBuilder) SetContentType(v string) *PropertiesBuilder {
	b.props.contentType = v
	return b
}

func (b *PropertiesBuilder) SetContentEncoding(v string) *PropertiesBuilder {
	b.props.contentEncoding = v
	return b
}

func (b *PropertiesBuilder) SetCorrelationID(v string) *PropertiesBuilder {
	b.props.correlationID = v
	return b
}

func (b *PropertiesBuilder) SetAppID(v string) *PropertiesBuilder {
	b.props.appID = v
	return b
}

func (b *PropertiesBuilder) SetMessageID(v string) *PropertiesBuilder {
	b.props.messageID = v
	return b
}

func (b *PropertiesBuilder) SetReplyTo(v string) *PropertiesBuilder {
	b.props.replyTo = v
	return b
}

func (b *PropertiesBuilder) SetExpiration(v string) *PropertiesBuilder {
	b.props.expiration = v
	return b
}

func (b *PropertiesBuilder) SetTimestamp(v time.Time) *PropertiesBuilder {
	b.props.timestamp = v
	return b
}

func (b *PropertiesBuilder) SetPriority(v uint8) *PropertiesBuilder {
	b.props.priority = v
	return b
}

func (b *PropertiesBuilder) SetUserID(v string) *PropertiesBuilder {
	b.props.userID = v
	return b
}

func (b *PropertiesBuilder) SetType(v string) *PropertiesBuilder {
	b.props.messageType = v
	return b
}

func (b *PropertiesBuilder) SetDeliveryMode(v DeliveryMode) *PropertiesBuilder {
	b.props.deliveryMode = v
	return b
}

// SetHeader sets a single header, replacing any previous value
func (b *PropertiesBuilder) SetHeader(name string, value any) *PropertiesBuilder {
	if b.props.headers == nil {
		b.props.headers = make(map[string]any)
	}
	b.props.headers[name] = cloneValue(value)
	return b
}

// SetHeaders replaces all headers with a copy of headers
func (b *PropertiesBuilder) SetHeaders(headers map[string]any) *PropertiesBuilder {
	b.props.headers = cloneHeaders(headers)
	return b
}

// MessageID returns the message id set so far
func (b *PropertiesBuilder) MessageID() string {
	return b.props.messageID
}

// DeliveryMode returns the delivery mode set so far
func (b *PropertiesBuilder) DeliveryMode() DeliveryMode {
	return b.props.deliveryMode
}

// Build returns immutable properties. Later changes to the builder do not
// affect the returned value.
func (b *PropertiesBuilder) Build() Properties {
	p := b.props
	p.headers = cloneHeaders(b.props.headers)
	return p
}

func cloneHeaders(h map[string]any) map[string]any {
	if h == nil {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies nested tables, arrays and byte slices. Named map and
// slice types such as amqp.Table keep their type.
func cloneValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return cloneHeaders(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	default:
		return v
	}
}

func cloneReflect(v reflect.Value, elem reflect.Type) reflect.Value {
	if elem.Kind() == reflect.Interface && v.IsNil() {
		return reflect.Zero(elem)
	}
	c := cloneValue(v.Interface())
	if c == nil {
		return reflect.Zero(elem)
	}
	return reflect.ValueOf(c)
}
