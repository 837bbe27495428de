package rest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/serialization"
	"google.golang.org/protobuf/proto"
)

const (
	// HeaderFullName names the schema of the body
	HeaderFullName = serialization.HeaderFullName
	// MediaTypeProtobuf is the compact binary representation
	MediaTypeProtobuf = serialization.MediaTypeProtobuf
	// MediaTypeJSON is the human-readable representation
	MediaTypeJSON = serialization.MediaTypeJSON

	defaultMaxBodySize = 4 << 20
)

var (
	ErrMissingSchemaHeader  = errors.New("rest: missing " + HeaderFullName + " header")
	ErrUnsupportedMediaType = errors.New("rest: unsupported media type")
	ErrBodyTooLarge         = errors.New("rest: request body too large")
)

// RequestError reports a malformed request. It is fatal to the request only.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("rest: malformed request: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Provider reads and writes protobuf messages at an HTTP boundary, choosing
// the binary or JSON representation from the media type and resolving the
// schema of incoming bodies from the HeaderFullName header
type Provider struct {
	codec       *serialization.ProtoCodec
	logger      *slog.Logger
	maxBodySize int64
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithProviderLogger sets the logger
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithMaxBodySize limits the size of request bodies
func WithMaxBodySize(size int64) ProviderOption {
	return func(p *Provider) {
		p.maxBodySize = size
	}
}

// NewProvider creates a provider resolving schemas against registry
func NewProvider(registry *serialization.Registry, options ...ProviderOption) *Provider {
	p := &Provider{
		codec:       serialization.NewProtoCodec(registry),
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Supports reports whether mediaType is one of the two negotiated
// representations. Parameters are ignored.
func (p *Provider) Supports(mediaType string) bool {
	return serialization.IsJSON(mediaType) || serialization.IsProtobuf(mediaType)
}

// Size returns the encoded size of msg, or -1 when it cannot be known
// without rendering the JSON representation
func (p *Provider) Size(msg proto.Message, mediaType string) int64 {
	if serialization.IsJSON(mediaType) {
		return -1
	}
	return int64(proto.Size(msg))
}

// WriteTo writes msg to w in the representation selected by mediaType and
// names its schema in header
func (p *Provider) WriteTo(w io.Writer, header http.Header, mediaType string, msg proto.Message) error {
	data, err := p.encode(header, mediaType, msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s body: %w", serialization.FullNameOf(msg), err)
	}
	return nil
}

func (p *Provider) encode(header http.Header, mediaType string, msg proto.Message) ([]byte, error) {
	if !p.Supports(mediaType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
	if msg == nil {
		return nil, fmt.Errorf("rest: message cannot be nil")
	}

	header.Set(HeaderFullName, serialization.FullNameOf(msg))
	data, err := p.codec.Marshal(msg, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", serialization.FullNameOf(msg), err)
	}
	return data, nil
}

// ReadFrom decodes a message whose schema is named by the HeaderFullName
// header. A missing header or an undecodable body yields a *RequestError and
// an unknown schema a *contracts.UnresolvedSchemaError.
func (p *Provider) ReadFrom(r io.Reader, header http.Header, mediaType string) (proto.Message, error) {
	name, err := p.checkRequest(header, mediaType)
	if err != nil {
		return nil, err
	}

	mt, err := p.codec.Registry().Resolve(name)
	if err != nil {
		p.logger.Warn("unresolved schema in request", "fullName", name)
		return nil, err
	}

	data, err := p.readBody(r)
	if err != nil {
		return nil, err
	}

	msg := mt.New().Interface()
	if err := p.codec.UnmarshalInto(msg, mediaType, data); err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to decode %s: %w", name, err)}
	}
	return msg, nil
}

// ReadInto decodes a request body into target. The schema named by the
// HeaderFullName header must be the schema of target.
func (p *Provider) ReadInto(r io.Reader, header http.Header, mediaType string, target proto.Message) error {
	name, err := p.checkRequest(header, mediaType)
	if err != nil {
		return err
	}
	if want := serialization.FullNameOf(target); name != want {
		return &RequestError{Err: fmt.Errorf("%w: got %s, want %s", contracts.ErrSchemaMismatch, name, want)}
	}

	data, err := p.readBody(r)
	if err != nil {
		return err
	}

	proto.Reset(target)
	if err := p.codec.UnmarshalInto(target, mediaType, data); err != nil {
		return &RequestError{Err: fmt.Errorf("failed to decode %s: %w", name, err)}
	}
	return nil
}

func (p *Provider) checkRequest(header http.Header, mediaType string) (string, error) {
	if !p.Supports(mediaType) {
		return "", &RequestError{Err: fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)}
	}
	name := header.Get(HeaderFullName)
	if name == "" {
		return "", &RequestError{Err: ErrMissingSchemaHeader}
	}
	return name, nil
}

func (p *Provider) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxBodySize+1))
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if int64(len(data)) > p.maxBodySize {
		return nil, &RequestError{Err: ErrBodyTooLarge}
	}
	return data, nil
}
