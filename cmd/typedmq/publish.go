package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/messaging"
	"github.com/glimte/typedmq/serialization"
	"google.golang.org/protobuf/proto"
)

type publishRequest struct {
	exchange      string
	routingKey    string
	body          []byte
	contentType   string
	schema        string
	jsonEncoding  bool
	headers       map[string]string
	correlationID string
	persistent    bool
	deflate       bool
	messageIDs    bool
}

// publish sends req.body as is, or, when req.schema is set, parses it as
// protobuf JSON of that schema and sends it through the registry converter
func publish(ctx context.Context, ch messaging.Channel, reg *serialization.Registry, logger *slog.Logger, req publishRequest) error {
	props := contracts.NewPropertiesBuilder()
	if req.correlationID != "" {
		props.SetCorrelationID(req.correlationID)
	}
	for k, v := range req.headers {
		props.SetHeader(k, v)
	}

	options := []messaging.PublisherOption{
		messaging.WithPublisherLogger(logger),
		messaging.WithMessageIDs(req.messageIDs),
	}
	if req.persistent {
		options = append(options, messaging.WithDefaultDeliveryMode(contracts.Persistent))
	}
	exchange := contracts.NewExchange(req.exchange)

	if req.schema == "" {
		if req.contentType != "" {
			props.SetContentType(req.contentType)
		}
		var conv contracts.Converter[[]byte]
		if req.deflate {
			conv = serialization.Deflate[[]byte](nil)
		}
		pub := messaging.NewPublisher(ch, exchange, conv, options...)
		return pub.PublishWithProperties(ctx, req.body, props, req.routingKey)
	}

	if reg == nil {
		return fmt.Errorf("--schema needs a descriptor set")
	}
	mt, err := reg.Resolve(req.schema)
	if err != nil {
		return err
	}
	msg := mt.New().Interface()
	if err := serialization.NewProtoCodec(reg).UnmarshalInto(msg, serialization.MediaTypeJSON, req.body); err != nil {
		return fmt.Errorf("failed to parse %s: %w", req.schema, err)
	}

	var protoOpts []serialization.ProtoOption
	if req.jsonEncoding {
		protoOpts = append(protoOpts, serialization.WithJSONEncoding())
	}
	var conv contracts.Converter[proto.Message] = serialization.NewRegistryConverter(reg, protoOpts...)
	if req.deflate {
		conv = serialization.Deflate(conv)
	}
	pub := messaging.NewPublisher(ch, exchange, conv, options...)
	return pub.PublishWithProperties(ctx, msg, props, req.routingKey)
}
