// Package messaging implements the typed consume and publish pipelines on
// top of a broker Channel.
//
// A Consumer pulls deliveries from one queue, inflates deflate-encoded
// bodies and converts the bytes with a contracts.Converter. Bodies that
// cannot be decoded are reported as *contracts.DecodeError values that keep
// the raw bytes, properties and envelope, so the delivery can still be
// rejected, requeued or dead-lettered.
//
// A Publisher converts typed values and sends them to one exchange. Every
// failure is reported as a *contracts.TransportError and nothing is retried.
//
// Run drives a consume loop: handler success acks, handler failure rejects,
// and decode failures are settled by a DecodeFailurePolicy.
//
// Example usage:
//
//	conv := serialization.NewProtoConverter[*orderpb.Order]()
//	consumer := messaging.NewConsumer(ch, contracts.NewQueue("orders"), conv)
//
//	msg, err := consumer.NextMessageTimeout(ctx, 5*time.Second)
//	if err != nil {
//		if decErr, ok := contracts.AsDecodeError(err); ok {
//			_ = consumer.Reject(ctx, decErr, false)
//		}
//		return err
//	}
//	if msg != nil {
//		process(msg.Body())
//		_ = consumer.Ack(ctx, msg)
//	}
package messaging
