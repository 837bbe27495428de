package rest

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/serialization"
	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/proto"
)

// Negotiate picks the representation for an Accept header. An empty header
// or a wildcard selects the binary representation.
func (p *Provider) Negotiate(accept string) (string, bool) {
	if strings.TrimSpace(accept) == "" {
		return MediaTypeProtobuf, true
	}

	best, bestQ := "", 0.0
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}

		var candidate string
		switch {
		case serialization.IsJSON(mediaType):
			candidate = MediaTypeJSON
		case serialization.IsProtobuf(mediaType):
			candidate = MediaTypeProtobuf
		case mediaType == "*/*" || mediaType == "application/*":
			candidate = MediaTypeProtobuf
		default:
			continue
		}
		if q > bestQ {
			best, bestQ = candidate, q
		}
	}
	return best, best != ""
}

// Render writes msg with status code in the representation negotiated from
// the request's Accept header
func (p *Provider) Render(c echo.Context, code int, msg proto.Message) error {
	mediaType, ok := p.Negotiate(c.Request().Header.Get(echo.HeaderAccept))
	if !ok {
		return echo.NewHTTPError(http.StatusNotAcceptable, "supported representations: "+MediaTypeProtobuf+", "+MediaTypeJSON)
	}

	data, err := p.encode(c.Response().Header(), mediaType, msg)
	if err != nil {
		return err
	}
	return c.Blob(code, mediaType, data)
}

// Read decodes the request body of c
func (p *Provider) Read(c echo.Context) (proto.Message, error) {
	req := c.Request()
	return p.ReadFrom(req.Body, req.Header, req.Header.Get(echo.HeaderContentType))
}

// Binder binds protobuf request bodies and hands everything else to a
// fallback binder
type Binder struct {
	provider *Provider
	fallback echo.Binder
}

var _ echo.Binder = (*Binder)(nil)

// Binder returns an echo.Binder backed by p. A nil fallback uses echo's
// default binder.
func (p *Provider) Binder(fallback echo.Binder) *Binder {
	if fallback == nil {
		fallback = &echo.DefaultBinder{}
	}
	return &Binder{provider: p, fallback: fallback}
}

// Bind implements echo.Binder. Targets of type *proto.Message receive a
// message of whatever schema the request names; concrete message targets
// require the request to name their schema.
func (b *Binder) Bind(i interface{}, c echo.Context) error {
	req := c.Request()
	mediaType := req.Header.Get(echo.HeaderContentType)

	switch target := i.(type) {
	case *proto.Message:
		msg, err := b.provider.ReadFrom(req.Body, req.Header, mediaType)
		if err != nil {
			return err
		}
		*target = msg
		return nil
	case proto.Message:
		return b.provider.ReadInto(req.Body, req.Header, mediaType, target)
	default:
		return b.fallback.Bind(i, c)
	}
}

// ErrorHandler maps request errors to 400 and unsupported media types or
// unresolved schemas to 415 before delegating to next. A nil next uses
// echo's default handler.
func ErrorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var (
			reqErr     *RequestError
			unresolved *contracts.UnresolvedSchemaError
		)
		switch {
		case errors.Is(err, ErrUnsupportedMediaType):
			err = echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error()).SetInternal(err)
		case errors.As(err, &unresolved):
			err = echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported schema: "+unresolved.FullName).SetInternal(err)
		case errors.As(err, &reqErr):
			err = echo.NewHTTPError(http.StatusBadRequest, reqErr.Error()).SetInternal(err)
		}

		if next == nil {
			c.Echo().DefaultHTTPErrorHandler(err, c)
			return
		}
		next(err, c)
	}
}
