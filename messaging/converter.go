package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTypeIDHeader carries the payload type id for JSON and msgpack bodies.
const DefaultTypeIDHeader = "__TypeId__"

var (
	ErrNilPayload         = errors.New("messaging: payload cannot be nil")
	ErrNilMessage         = errors.New("messaging: message cannot be nil")
	ErrUnsupportedPayload = errors.New("messaging: unsupported payload type")
)

// ConversionError reports a payload that could not be converted
type ConversionError struct {
	Op          string // "to message" or "from message"
	ContentType string
	Err         error
}

func (e *ConversionError) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("message conversion error: %s (%s): %v", e.Op, e.ContentType, e.Err)
	}
	return fmt.Sprintf("message conversion error: %s: %v", e.Op, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// MessageConverter turns payloads into messages and back.
type MessageConverter interface {
	ToMessage(payload any, props MessageProperties) (*Message, error)
	FromMessage(msg *Message) (any, error)
}

// SimpleMessageConverter handles []byte and string payloads.
type SimpleMessageConverter struct{}

// NewSimpleMessageConverter returns the default converter
func NewSimpleMessageConverter() *SimpleMessageConverter {
	return &SimpleMessageConverter{}
}

func (c *SimpleMessageConverter) ToMessage(payload any, props MessageProperties) (*Message, error) {
	switch p := payload.(type) {
	case nil:
		return nil, &ConversionError{Op: "to message", Err: ErrNilPayload}
	case []byte:
		if props.ContentType == "" {
			props.ContentType = ContentTypeBytes
		}
		return NewMessage(p, props), nil
	case string:
		if props.ContentType == "" {
			props.ContentType = ContentTypeText
		}
		if props.ContentEncoding == "" {
			props.ContentEncoding = "UTF-8"
		}
		return &Message{Body: []byte(p), Properties: props}, nil
	default:
		return nil, &ConversionError{
			Op:  "to message",
			Err: fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload),
		}
	}
}

// FromMessage returns a string for text/* bodies and the raw bytes otherwise.
func (c *SimpleMessageConverter) FromMessage(msg *Message) (any, error) {
	if msg == nil {
		return nil, &ConversionError{Op: "from message", Err: ErrNilMessage}
	}
	if strings.HasPrefix(msg.Properties.ContentType, "text") {
		return string(msg.Body), nil
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	return body, nil
}

// codec is the encoding half shared by the typed converters
type codec struct {
	contentType string
	marshal     func(v any) ([]byte, error)
	unmarshal   func(data []byte, v any) error
	accepts     func(contentType string) bool
}

// TypedConverterOption configures a JSON or msgpack converter
type TypedConverterOption func(*typedConverter)

// WithTypeRegistry sets the registry used to resolve type ids
func WithTypeRegistry(registry TypeRegistry) TypedConverterOption {
	return func(c *typedConverter) {
		c.registry = registry
	}
}

// WithTypeIDHeader changes the header that carries the type id
func WithTypeIDHeader(name string) TypedConverterOption {
	return func(c *typedConverter) {
		c.typeIDHeader = name
	}
}

// typedConverter encodes structured payloads and records their type id so
// the receiving side can decode into the same Go type.
type typedConverter struct {
	codec        codec
	registry     TypeRegistry
	typeIDHeader string
}

func newTypedConverter(cd codec, opts []TypedConverterOption) typedConverter {
	c := typedConverter{
		codec:        cd,
		registry:     NewTypeRegistry(),
		typeIDHeader: DefaultTypeIDHeader,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// TypeRegistry returns the registry used for type ids
func (c *typedConverter) TypeRegistry() TypeRegistry {
	return c.registry
}

func (c *typedConverter) ToMessage(payload any, props MessageProperties) (*Message, error) {
	if payload == nil {
		return nil, &ConversionError{Op: "to message", ContentType: c.codec.contentType, Err: ErrNilPayload}
	}

	body, err := c.codec.marshal(payload)
	if err != nil {
		return nil, &ConversionError{Op: "to message", ContentType: c.codec.contentType, Err: err}
	}

	props.ContentType = c.codec.contentType
	props.Headers = cloneHeaders(props.Headers)
	if c.codec.contentType == ContentTypeJSON && props.ContentEncoding == "" {
		props.ContentEncoding = "UTF-8"
	}
	if name, err := c.registry.GetTypeName(payload); err == nil {
		props.SetHeader(c.typeIDHeader, name)
	}
	return &Message{Body: body, Properties: props}, nil
}

// FromMessage decodes into the registered type named by the type id header,
// or into generic maps and slices when the id is missing or unknown. Bodies
// of another content type are returned as raw bytes.
func (c *typedConverter) FromMessage(msg *Message) (any, error) {
	if msg == nil {
		return nil, &ConversionError{Op: "from message", ContentType: c.codec.contentType, Err: ErrNilMessage}
	}
	if !c.codec.accepts(msg.Properties.ContentType) {
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		return body, nil
	}

	if typeID, ok := msg.Properties.Header(c.typeIDHeader).(string); ok && c.registry.IsRegistered(typeID) {
		instance, err := c.registry.CreateInstance(typeID)
		if err != nil {
			return nil, &ConversionError{Op: "from message", ContentType: c.codec.contentType, Err: err}
		}
		if err := c.codec.unmarshal(msg.Body, instance); err != nil {
			return nil, &ConversionError{
				Op:          "from message",
				ContentType: c.codec.contentType,
				Err:         fmt.Errorf("decode into %s: %w", typeID, err),
			}
		}
		return instance, nil
	}

	var out any
	if err := c.codec.unmarshal(msg.Body, &out); err != nil {
		return nil, &ConversionError{Op: "from message", ContentType: c.codec.contentType, Err: err}
	}
	return out, nil
}

// JSONMessageConverter encodes payloads as application/json.
type JSONMessageConverter struct {
	typedConverter
}

// NewJSONMessageConverter creates a JSON converter
func NewJSONMessageConverter(opts ...TypedConverterOption) *JSONMessageConverter {
	return &JSONMessageConverter{
		typedConverter: newTypedConverter(codec{
			contentType: ContentTypeJSON,
			marshal:     json.Marshal,
			unmarshal:   json.Unmarshal,
			accepts: func(ct string) bool {
				return ct == "" || strings.Contains(ct, "json")
			},
		}, opts),
	}
}

// MsgpackMessageConverter encodes payloads as application/x-msgpack.
type MsgpackMessageConverter struct {
	typedConverter
}

// NewMsgpackMessageConverter creates a msgpack converter
func NewMsgpackMessageConverter(opts ...TypedConverterOption) *MsgpackMessageConverter {
	return &MsgpackMessageConverter{
		typedConverter: newTypedConverter(codec{
			contentType: ContentTypeMsgpack,
			marshal:     msgpack.Marshal,
			unmarshal:   msgpack.Unmarshal,
			accepts: func(ct string) bool {
				return ct == "" || strings.Contains(ct, "msgpack")
			},
		}, opts),
	}
}
