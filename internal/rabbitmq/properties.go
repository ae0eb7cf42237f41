package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-boot/messaging"
)

// toPublishing maps a message onto an AMQP publishing
func toPublishing(msg *messaging.Message) amqp.Publishing {
	p := msg.Properties
	pub := amqp.Publishing{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            msg.Body,
	}
	if pub.DeliveryMode == 0 {
		pub.DeliveryMode = amqp.Persistent
	}
	if len(p.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(p.Headers))
		for k, v := range p.Headers {
			pub.Headers[k] = v
		}
	}
	return pub
}

// fromDelivery builds a message from a basic.get or consumer delivery
func fromDelivery(d amqp.Delivery) *messaging.Message {
	props := messaging.MessageProperties{
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		DeliveryMode:       d.DeliveryMode,
		Priority:           d.Priority,
		CorrelationID:      d.CorrelationId,
		ReplyTo:            d.ReplyTo,
		Expiration:         d.Expiration,
		MessageID:          d.MessageId,
		Timestamp:          d.Timestamp,
		Type:               d.Type,
		UserID:             d.UserId,
		AppID:              d.AppId,
		ReceivedExchange:   d.Exchange,
		ReceivedRoutingKey: d.RoutingKey,
		Redelivered:        d.Redelivered,
		DeliveryTag:        d.DeliveryTag,
		MessageCount:       d.MessageCount,
	}
	if len(d.Headers) > 0 {
		props.Headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			props.Headers[k] = v
		}
	}
	return &messaging.Message{Body: d.Body, Properties: props}
}
