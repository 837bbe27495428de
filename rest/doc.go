// Package rest carries protobuf messages across HTTP.
//
// Responses name their schema in the X-Protobuf-FullName header and use
// either application/x-protobuf or application/json. Requests must carry the
// same header; its value is resolved against a serialization.Registry to
// find the schema to decode. A missing header is a malformed request and an
// unknown schema is reported as a *contracts.UnresolvedSchemaError.
//
// The echo integration offers a Binder, Render with Accept negotiation and
// an ErrorHandler that turns these failures into 400 and 415 responses:
//
//	provider := rest.NewProvider(registry)
//	e := echo.New()
//	e.Binder = provider.Binder(nil)
//	e.HTTPErrorHandler = rest.ErrorHandler(nil)
//	e.POST("/orders", func(c echo.Context) error {
//		var order orderpb.Order
//		if err := c.Bind(&order); err != nil {
//			return err
//		}
//		return provider.Render(c, http.StatusCreated, &order)
//	})
package rest
