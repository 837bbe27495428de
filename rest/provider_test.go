package rest

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/internal/testproto"
	"github.com/glimte/typedmq/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func testProvider(t *testing.T, options ...ProviderOption) *Provider {
	t.Helper()
	b := serialization.NewRegistryBuilder()
	require.NoError(t, b.RegisterFile(testproto.File()))
	require.NoError(t, b.RegisterFile(testproto.ExtFile()))
	require.NoError(t, b.Register(&timestamppb.Timestamp{}))
	reg, err := b.Build()
	require.NoError(t, err)
	return NewProvider(reg, options...)
}

func TestProviderRoundTrip(t *testing.T) {
	p := testProvider(t)
	y := testproto.NewY("y-1", 42, "red", "blue")

	for _, mediaType := range []string{MediaTypeProtobuf, MediaTypeJSON, "application/json; charset=utf-8"} {
		t.Run(mediaType, func(t *testing.T) {
			var buf bytes.Buffer
			header := http.Header{}
			require.NoError(t, p.WriteTo(&buf, header, mediaType, y))
			assert.Equal(t, testproto.YFullName, header.Get(HeaderFullName))

			got, err := p.ReadFrom(&buf, header, mediaType)
			require.NoError(t, err)
			assert.True(t, proto.Equal(y, got))
		})
	}
}

func TestProviderRoundTripsExtensions(t *testing.T) {
	p := testProvider(t)
	xt, err := p.codec.Registry().Extensions().FindExtensionByName(testproto.NoteFullName)
	require.NoError(t, err)
	event := testproto.NewEvent("disk full", 5, "paged on-call", xt)

	for _, mediaType := range []string{MediaTypeProtobuf, MediaTypeJSON} {
		t.Run(mediaType, func(t *testing.T) {
			var buf bytes.Buffer
			header := http.Header{}
			require.NoError(t, p.WriteTo(&buf, header, mediaType, event))
			assert.Equal(t, testproto.EventFullName, header.Get(HeaderFullName))
			if mediaType == MediaTypeJSON {
				assert.Contains(t, buf.String(), `"[ext.note]"`)
			}

			got, err := p.ReadFrom(&buf, header, mediaType)
			require.NoError(t, err)
			assert.True(t, proto.Equal(event, got))
			require.True(t, proto.HasExtension(got, xt))
			assert.Equal(t, "paged on-call", proto.GetExtension(got, xt))
		})
	}
}

func TestProviderWritesReadableJSON(t *testing.T) {
	p := testProvider(t)
	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf, http.Header{}, MediaTypeJSON, testproto.NewY("y-1", 1)))
	assert.Contains(t, buf.String(), `"id"`)
	assert.Contains(t, buf.String(), `"y-1"`)
}

func TestProviderReadFailures(t *testing.T) {
	p := testProvider(t)
	var body bytes.Buffer
	require.NoError(t, p.WriteTo(&body, http.Header{}, MediaTypeProtobuf, testproto.NewY("y-1", 1)))

	t.Run("missing header", func(t *testing.T) {
		_, err := p.ReadFrom(bytes.NewReader(body.Bytes()), http.Header{}, MediaTypeProtobuf)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.ErrorIs(t, err, ErrMissingSchemaHeader)
	})

	t.Run("unknown schema", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderFullName, "a.b.Unknown")
		_, err := p.ReadFrom(bytes.NewReader(body.Bytes()), header, MediaTypeProtobuf)
		var unresolved *contracts.UnresolvedSchemaError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "a.b.Unknown", unresolved.FullName)
	})

	t.Run("unsupported media type", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderFullName, testproto.YFullName)
		_, err := p.ReadFrom(bytes.NewReader(body.Bytes()), header, "text/plain")
		assert.ErrorIs(t, err, ErrUnsupportedMediaType)
	})

	t.Run("malformed body", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderFullName, testproto.YFullName)
		_, err := p.ReadFrom(strings.NewReader("{not json"), header, MediaTypeJSON)
		var reqErr *RequestError
		assert.ErrorAs(t, err, &reqErr)
	})

	t.Run("body too large", func(t *testing.T) {
		small := testProvider(t, WithMaxBodySize(4))
		header := http.Header{}
		header.Set(HeaderFullName, testproto.YFullName)
		_, err := small.ReadFrom(bytes.NewReader(body.Bytes()), header, MediaTypeProtobuf)
		assert.ErrorIs(t, err, ErrBodyTooLarge)
	})
}

func TestProviderReadInto(t *testing.T) {
	p := testProvider(t)
	ts := timestamppb.Now()

	var buf bytes.Buffer
	header := http.Header{}
	require.NoError(t, p.WriteTo(&buf, header, MediaTypeJSON, ts))

	var got timestamppb.Timestamp
	require.NoError(t, p.ReadInto(bytes.NewReader(buf.Bytes()), header, MediaTypeJSON, &got))
	assert.True(t, proto.Equal(ts, &got))

	header.Set(HeaderFullName, testproto.YFullName)
	err := p.ReadInto(bytes.NewReader(buf.Bytes()), header, MediaTypeJSON, &got)
	assert.ErrorIs(t, err, contracts.ErrSchemaMismatch)
}

func TestProviderSupportsAndSize(t *testing.T) {
	p := testProvider(t)
	y := testproto.NewY("y-1", 7)

	assert.True(t, p.Supports(MediaTypeProtobuf))
	assert.True(t, p.Supports("Application/JSON; charset=utf-8"))
	assert.False(t, p.Supports("text/xml"))

	assert.Equal(t, int64(proto.Size(y)), p.Size(y, MediaTypeProtobuf))
	assert.Equal(t, int64(-1), p.Size(y, MediaTypeJSON))
}

func TestProviderWriteFailures(t *testing.T) {
	p := testProvider(t)

	err := p.WriteTo(&bytes.Buffer{}, http.Header{}, "text/plain", testproto.NewY("y", 1))
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)

	err = p.WriteTo(failingWriter{}, http.Header{}, MediaTypeProtobuf, testproto.NewY("y", 1))
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}
