package messaging

import (
	"time"
)

// Content types understood by the built-in converters
const (
	ContentTypeBytes   = "application/octet-stream"
	ContentTypeText    = "text/plain"
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/x-msgpack"
)

// Delivery modes
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// MessageProperties carries AMQP basic properties plus the delivery details
// filled in on receive.
type MessageProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]any
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string

	// Set on received messages only
	ReceivedExchange   string
	ReceivedRoutingKey string
	Redelivered        bool
	DeliveryTag        uint64
	MessageCount       uint32
}

// SetHeader sets a header, allocating the map on first use
func (p *MessageProperties) SetHeader(key string, value any) {
	if p.Headers == nil {
		p.Headers = make(map[string]any)
	}
	p.Headers[key] = value
}

// Header returns a header value, or nil
func (p *MessageProperties) Header(key string) any {
	if p.Headers == nil {
		return nil
	}
	return p.Headers[key]
}

// Message is a raw message body with its properties.
type Message struct {
	Body       []byte
	Properties MessageProperties
}

// NewMessage creates a message with a copy of body
func NewMessage(body []byte, props MessageProperties) *Message {
	b := make([]byte, len(body))
	copy(b, body)
	return &Message{Body: b, Properties: props}
}

// GenericMessage is a converted payload plus headers, used by the
// messaging template.
type GenericMessage struct {
	Payload any
	Headers map[string]any
}

// NewGenericMessage creates a message for payload. headers may be nil.
func NewGenericMessage(payload any, headers map[string]any) *GenericMessage {
	h := cloneHeaders(headers)
	if h == nil {
		h = make(map[string]any)
	}
	return &GenericMessage{Payload: payload, Headers: h}
}

func cloneHeaders(headers map[string]any) map[string]any {
	if headers == nil {
		return nil
	}
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
