package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/messaging"
	"github.com/glimte/typedmq/serialization"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type consumeRequest struct {
	count   int
	wait    time.Duration
	requeue bool
}

// printedMessage is one line of consume output
type printedMessage struct {
	DeliveryTag     uint64          `json:"deliveryTag"`
	Exchange        string          `json:"exchange"`
	RoutingKey      string          `json:"routingKey"`
	Redelivered     bool            `json:"redelivered,omitempty"`
	ContentType     string          `json:"contentType,omitempty"`
	ContentEncoding string          `json:"contentEncoding,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Headers         map[string]any  `json:"headers,omitempty"`
	Body            json.RawMessage `json:"body"`
	DecodeError     string          `json:"decodeError,omitempty"`
}

func describe(props contracts.Properties, env contracts.Envelope) printedMessage {
	return printedMessage{
		DeliveryTag:     env.DeliveryTag,
		Exchange:        env.Exchange,
		RoutingKey:      env.RoutingKey,
		Redelivered:     env.Redelivered,
		ContentType:     props.ContentType(),
		ContentEncoding: props.ContentEncoding(),
		MessageID:       props.MessageID(),
		CorrelationID:   props.CorrelationID(),
		Headers:         props.Headers(),
	}
}

// rawJSON embeds data verbatim when it is JSON, as a string when it is text
// and base64 encoded otherwise
func rawJSON(data []byte) json.RawMessage {
	if len(data) > 0 && json.Valid(data) {
		return data
	}
	var (
		out []byte
		err error
	)
	if utf8.Valid(data) {
		out, err = json.Marshal(string(data))
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return json.RawMessage(`null`)
	}
	return out
}

func renderBytes(body []byte) (json.RawMessage, error) {
	return rawJSON(body), nil
}

func protoRenderer(reg *serialization.Registry) func(proto.Message) (json.RawMessage, error) {
	opts := protojson.MarshalOptions{Resolver: reg.Extensions()}
	return func(msg proto.Message) (json.RawMessage, error) {
		return opts.Marshal(msg)
	}
}

// drain prints deliveries as JSON lines until req.count messages were seen,
// no delivery arrives within req.wait, or ctx is done. Printed messages are
// acknowledged, or requeued when req.requeue is set; deliveries that fail to
// decode are printed raw and rejected. In requeue mode a redelivered message
// already printed by this run means the queue has wrapped around, so it is
// requeued again and drain stops.
func drain[T any](ctx context.Context, consumer *messaging.Consumer[T], render func(T) (json.RawMessage, error), req consumeRequest, out io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	seen := make(map[string]struct{})
	n := 0
	for req.count <= 0 || n < req.count {
		msg, err := consumer.NextMessageTimeout(ctx, req.wait)
		if decErr, ok := contracts.AsDecodeError(err); ok {
			line := describe(decErr.Message.Properties(), decErr.Envelope())
			line.Body = rawJSON(decErr.RawBody())
			line.DecodeError = decErr.Err.Error()
			if err := enc.Encode(line); err != nil {
				return n, err
			}
			if err := consumer.Reject(ctx, decErr, false); err != nil {
				return n, stopped(err)
			}
			n++
			continue
		}
		switch {
		case isCancellation(err):
			return n, nil
		case err != nil:
			return n, err
		case msg == nil:
			return n, nil
		}

		body, err := render(msg.Body())
		if err != nil {
			return n, err
		}
		line := describe(msg.Properties(), msg.Envelope())
		line.Body = body

		if req.requeue {
			key := line.MessageID + "\x00" + string(body)
			if _, dup := seen[key]; dup && line.Redelivered {
				return n, stopped(consumer.Reject(ctx, msg, true))
			}
			seen[key] = struct{}{}
		}

		if err := enc.Encode(line); err != nil {
			return n, err
		}

		if req.requeue {
			err = consumer.Reject(ctx, msg, true)
		} else {
			err = consumer.Ack(ctx, msg)
		}
		if err != nil {
			return n, stopped(err)
		}
		n++
	}
	return n, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stopped treats a cancelled context as a clean stop
func stopped(err error) error {
	if isCancellation(err) {
		return nil
	}
	return err
}
