// Package rabbitmq provides the RabbitMQ plumbing behind the rabbitsink client.
//
// This package includes:
//   - ConnectionManager: dials the first reachable broker host and reconnects with backoff
//   - ChannelPool: bounded pool of channels so concurrent publishers never share one
//   - Publisher: publishes to an exchange, optionally waiting for broker confirms
//   - Consumer: subscribes handlers to queues (used by the tail command)
//   - TopologyManager: declares exchanges, queues, and bindings
//
// Framing, acknowledgement and delivery guarantees are left to amqp091-go.
package rabbitmq
