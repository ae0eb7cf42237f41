package rabbitmq

import (
	"context"
	"sync"

	"github.com/glimte/mmate-boot/messaging"
)

// Header names added to received GenericMessages
const (
	HeaderCorrelationID      = "amqp_correlationId"
	HeaderMessageID          = "amqp_messageId"
	HeaderReceivedExchange   = "amqp_receivedExchange"
	HeaderReceivedRoutingKey = "amqp_receivedRoutingKey"
	HeaderRedelivered        = "amqp_redelivered"
	HeaderContentType        = "contentType"
)

// MessagingTemplate works with GenericMessages on top of a Template.
// A destination is a routing key on the template's exchange when sending
// and a queue name when receiving.
type MessagingTemplate struct {
	template *Template

	mu                 sync.RWMutex
	defaultDestination string
}

// NewMessagingTemplate wraps template
func NewMessagingTemplate(template *Template) *MessagingTemplate {
	return &MessagingTemplate{template: template}
}

// Template returns the wrapped template
func (m *MessagingTemplate) Template() *Template {
	return m.template
}

// SetDefaultDestination sets the destination used when none is given
func (m *MessagingTemplate) SetDefaultDestination(destination string) {
	m.mu.Lock()
	m.defaultDestination = destination
	m.mu.Unlock()
}

func (m *MessagingTemplate) DefaultDestination() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultDestination
}

func (m *MessagingTemplate) resolve(destination string) (string, error) {
	if destination != "" {
		return destination, nil
	}
	if d := m.DefaultDestination(); d != "" {
		return d, nil
	}
	return "", ErrNoDestination
}

// Send sends msg to the default destination
func (m *MessagingTemplate) Send(ctx context.Context, msg *messaging.GenericMessage) error {
	return m.SendTo(ctx, "", msg)
}

// SendTo sends msg to destination
func (m *MessagingTemplate) SendTo(ctx context.Context, destination string, msg *messaging.GenericMessage) error {
	dest, err := m.resolve(destination)
	if err != nil {
		return err
	}
	amqpMsg, err := m.toMessage(msg.Payload, msg.Headers)
	if err != nil {
		return err
	}
	return m.template.Send(ctx, m.template.Exchange(), dest, amqpMsg)
}

// ConvertAndSend converts payload and sends it to the default destination
func (m *MessagingTemplate) ConvertAndSend(ctx context.Context, payload any, headers map[string]any) error {
	return m.ConvertAndSendTo(ctx, "", payload, headers)
}

// ConvertAndSendTo converts payload and sends it to destination
func (m *MessagingTemplate) ConvertAndSendTo(ctx context.Context, destination string, payload any, headers map[string]any) error {
	return m.SendTo(ctx, destination, messaging.NewGenericMessage(payload, headers))
}

// ConvertAndSendToExchange converts payload and sends it to exchange with routingKey
func (m *MessagingTemplate) ConvertAndSendToExchange(ctx context.Context, exchange, routingKey string, payload any, headers map[string]any) error {
	amqpMsg, err := m.toMessage(payload, headers)
	if err != nil {
		return err
	}
	return m.template.Send(ctx, exchange, routingKey, amqpMsg)
}

// Receive receives from the default destination. It returns nil without
// error when no message is available.
func (m *MessagingTemplate) Receive(ctx context.Context) (*messaging.GenericMessage, error) {
	return m.ReceiveFrom(ctx, "")
}

// ReceiveFrom receives from the queue named destination
func (m *MessagingTemplate) ReceiveFrom(ctx context.Context, destination string) (*messaging.GenericMessage, error) {
	dest, err := m.resolve(destination)
	if err != nil {
		return nil, err
	}
	msg, err := m.template.Receive(ctx, dest)
	if err != nil || msg == nil {
		return nil, err
	}
	return m.fromMessage(msg)
}

// ReceiveAndConvert receives from destination, or the default, and returns
// the converted payload.
func (m *MessagingTemplate) ReceiveAndConvert(ctx context.Context, destination string) (any, error) {
	msg, err := m.ReceiveFrom(ctx, destination)
	if err != nil || msg == nil {
		return nil, err
	}
	return msg.Payload, nil
}

// ConvertSendAndReceive sends payload to destination and returns the
// converted reply.
func (m *MessagingTemplate) ConvertSendAndReceive(ctx context.Context, destination string, payload any, headers map[string]any) (any, error) {
	dest, err := m.resolve(destination)
	if err != nil {
		return nil, err
	}
	amqpMsg, err := m.toMessage(payload, headers)
	if err != nil {
		return nil, err
	}
	reply, err := m.template.SendAndReceive(ctx, m.template.Exchange(), dest, amqpMsg)
	if err != nil {
		return nil, err
	}
	return m.template.MessageConverter().FromMessage(reply)
}

func (m *MessagingTemplate) toMessage(payload any, headers map[string]any) (*messaging.Message, error) {
	props := messaging.MessageProperties{}
	for k, v := range headers {
		props.SetHeader(k, v)
	}
	return m.template.MessageConverter().ToMessage(payload, props)
}

func (m *MessagingTemplate) fromMessage(msg *messaging.Message) (*messaging.GenericMessage, error) {
	payload, err := m.template.MessageConverter().FromMessage(msg)
	if err != nil {
		return nil, err
	}

	out := messaging.NewGenericMessage(payload, msg.Properties.Headers)
	p := msg.Properties
	setIfPresent(out.Headers, HeaderCorrelationID, p.CorrelationID)
	setIfPresent(out.Headers, HeaderMessageID, p.MessageID)
	setIfPresent(out.Headers, HeaderReceivedExchange, p.ReceivedExchange)
	setIfPresent(out.Headers, HeaderReceivedRoutingKey, p.ReceivedRoutingKey)
	setIfPresent(out.Headers, HeaderContentType, p.ContentType)
	out.Headers[HeaderRedelivered] = p.Redelivered
	return out, nil
}

func setIfPresent(headers map[string]any, key, value string) {
	if value != "" {
		headers[key] = value
	}
}
