// Package rabbitmq is the thin delegate between typedmq and the amqp091-go
// client.
//
// This package includes:
//   - ConnectionManager: dials the broker and opens channels
//   - Channel: a mutex-guarded AMQP channel exposing only serialized
//     operations (consume, cancel, publish, ack, reject)
//   - TopologyManager: declares exchanges, queues and bindings
//   - conversions between amqp091 deliveries/publishings and contracts types
//
// Nothing here retries. Failures are returned as ConnectionError,
// ChannelError or TopologyError and handled by the caller.
package rabbitmq
