package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/serialization"
)

// Dead-letter headers attached to copies of undecodable deliveries
const (
	HeaderDecodeError        = "x-decode-error"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
)

// Handler processes decoded messages
type Handler[T any] interface {
	Handle(ctx context.Context, msg *contracts.Message[T]) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc[T any] func(ctx context.Context, msg *contracts.Message[T]) error

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, msg *contracts.Message[T]) error {
	return f(ctx, msg)
}

// DecodeFailurePolicy settles a delivery that could not be decoded
type DecodeFailurePolicy func(ctx context.Context, s Settler, decErr *contracts.DecodeError) error

// RejectDecodeFailures rejects undecodable deliveries without requeue.
// Broker dead-lettering applies when the queue is configured for it.
func RejectDecodeFailures() DecodeFailurePolicy {
	return func(ctx context.Context, s Settler, decErr *contracts.DecodeError) error {
		return s.Reject(ctx, decErr, false)
	}
}

// RequeueDecodeFailures requeues an undecodable delivery once. A delivery
// that fails again after redelivery is rejected without requeue.
func RequeueDecodeFailures() DecodeFailurePolicy {
	return func(ctx context.Context, s Settler, decErr *contracts.DecodeError) error {
		return s.Reject(ctx, decErr, !decErr.Envelope().Redelivered)
	}
}

// DeadLetterDecodeFailures publishes a copy of the undecodable delivery
// through pub and acknowledges the original. An empty routingKey keeps the
// original routing key. When the copy cannot be published the original is
// requeued.
func DeadLetterDecodeFailures(pub *Publisher[[]byte], routingKey string) DecodeFailurePolicy {
	return func(ctx context.Context, s Settler, decErr *contracts.DecodeError) error {
		env := decErr.Envelope()
		key := routingKey
		if key == "" {
			key = env.RoutingKey
		}

		props := decErr.Message.Properties().ToBuilder()
		// The body of a failed conversion is already inflated
		if !errors.Is(decErr.Err, contracts.ErrDecompress) &&
			decErr.Message.Properties().HasContentEncoding(serialization.ContentEncodingDeflate) {
			props.SetContentEncoding("")
		}
		props.SetHeader(HeaderDecodeError, decErr.Err.Error()).
			SetHeader(HeaderOriginalExchange, env.Exchange).
			SetHeader(HeaderOriginalRoutingKey, env.RoutingKey)

		if err := pub.PublishWithProperties(ctx, decErr.RawBody(), props, key); err != nil {
			return errors.Join(err, s.Reject(ctx, decErr, true))
		}
		return s.Ack(ctx, decErr)
	}
}

type runConfig struct {
	logger         *slog.Logger
	onDecodeError  DecodeFailurePolicy
	requeueOnError bool
}

// RunOption configures Run
type RunOption func(*runConfig)

// WithRunLogger sets the logger
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithDecodeFailurePolicy sets how undecodable deliveries are settled.
// The default rejects them without requeue.
func WithDecodeFailurePolicy(policy DecodeFailurePolicy) RunOption {
	return func(c *runConfig) {
		c.onDecodeError = policy
	}
}

// WithRequeueOnHandlerError requeues deliveries whose handler failed
func WithRequeueOnHandlerError(requeue bool) RunOption {
	return func(c *runConfig) {
		c.requeueOnError = requeue
	}
}

// Run receives messages from consumer and passes them to handler until ctx
// is done or the consumer is cancelled and drained, both of which return nil.
// A successful handler acks the message and a failing one rejects it.
// Decode failures never stop the loop. Transport failures do and are returned.
func Run[T any](ctx context.Context, consumer *Consumer[T], handler Handler[T], options ...RunOption) error {
	cfg := runConfig{
		logger:        slog.Default(),
		onDecodeError: RejectDecodeFailures(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	for {
		msg, err := consumer.NextMessage(ctx)
		if err != nil {
			if decErr, ok := contracts.AsDecodeError(err); ok {
				if perr := cfg.onDecodeError(ctx, consumer, decErr); perr != nil {
					if ctx.Err() != nil {
						return nil
					}
					cfg.logger.Error("failed to settle undecodable delivery",
						"queue", consumer.Queue().Name,
						"deliveryTag", decErr.Envelope().DeliveryTag,
						"error", perr,
					)
				}
				continue
			}
			if errors.Is(err, contracts.ErrConsumerCancelled) || errIsCancellation(err) {
				return nil
			}
			return err
		}

		if herr := handler.Handle(ctx, msg); herr != nil {
			cfg.logger.Warn("handler failed",
				"queue", consumer.Queue().Name,
				"deliveryTag", msg.Envelope().DeliveryTag,
				"requeue", cfg.requeueOnError,
				"error", herr,
			)
			if err := consumer.Reject(ctx, msg, cfg.requeueOnError); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if err := consumer.Ack(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
