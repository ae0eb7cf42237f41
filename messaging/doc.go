// Package messaging holds the broker-neutral message model and the payload
// converters used by the RabbitMQ templates.
//
// This package includes:
//   - Message and MessageProperties: A raw body with AMQP-style properties
//   - GenericMessage: A converted payload with headers
//   - MessageConverter: Payload to message conversion and back
//   - SimpleMessageConverter: []byte and string payloads, the default
//   - JSONMessageConverter and MsgpackMessageConverter: Structured payloads
//     tagged with a type id header resolved through a TypeRegistry
//
// Example usage:
//
//	types := messaging.NewTypeRegistry()
//	_ = types.Register("order.created", OrderCreated{})
//	converter := messaging.NewJSONMessageConverter(messaging.WithTypeRegistry(types))
//
//	msg, err := converter.ToMessage(&OrderCreated{ID: "42"}, messaging.MessageProperties{})
//	if err != nil {
//		return err
//	}
//	payload, err := converter.FromMessage(msg) // *OrderCreated
package messaging
