// Package rabbitmq provides the RabbitMQ collaborators assembled by the
// bootstrapper.
//
// This package includes:
//   - ConnectionFactoryBean: Turns individual settings into dial parameters, loading TLS stores
//   - CachingConnectionFactory: Opens connections lazily and caches connections or channels
//   - Admin: Declares exchanges, queues and bindings, redeclaring them on new connections
//   - Template: Sends and receives messages with conversion, confirms and tracing
//   - MessagingTemplate: GenericMessage operations over a Template
//   - ListenerContainerFactory: Creates listener containers that consume with shared prefetch, ack mode and concurrency
//
// Connections are opened through a DialFunc, so tests can substitute a fake
// broker for amqp091-go.
package rabbitmq
