package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-boot/messaging"
)

// DirectReplyTo is the pseudo queue used for request/reply without a
// dedicated reply queue.
const DirectReplyTo = "amq.rabbitmq.reply-to"

const (
	DefaultReplyTimeout   = 5 * time.Second
	DefaultConfirmTimeout = 5 * time.Second

	tracerName   = "github.com/glimte/mmate-boot/internal/rabbitmq"
	pollInterval = 50 * time.Millisecond
)

// TemplateOption configures a Template
type TemplateOption func(*Template)

// WithTemplateLogger sets the logger
func WithTemplateLogger(logger *slog.Logger) TemplateOption {
	return func(t *Template) {
		t.logger = logger
	}
}

// WithTracerProvider sets the provider for send and receive spans
func WithTracerProvider(tp trace.TracerProvider) TemplateOption {
	return func(t *Template) {
		if tp != nil {
			t.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithPropagator sets how trace context travels in message headers
func WithPropagator(p propagation.TextMapPropagator) TemplateOption {
	return func(t *Template) {
		if p != nil {
			t.propagator = p
		}
	}
}

// WithConfirmTimeout sets how long a send waits for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) TemplateOption {
	return func(t *Template) {
		t.confirmTimeout = timeout
	}
}

// Template sends and receives messages through a ConnectionFactory,
// converting payloads with its MessageConverter.
type Template struct {
	factory        ConnectionFactory
	logger         *slog.Logger
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	confirmTimeout time.Duration

	mu             sync.RWMutex
	converter      messaging.MessageConverter
	exchange       string
	routingKey     string
	defaultQueue   string
	mandatory      bool
	receiveTimeout time.Duration
	replyTimeout   time.Duration
}

// NewTemplate creates a template over factory using the simple converter
func NewTemplate(factory ConnectionFactory, opts ...TemplateOption) *Template {
	t := &Template{
		factory:        factory,
		logger:         slog.Default(),
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		propagator:     otel.GetTextMapPropagator(),
		confirmTimeout: DefaultConfirmTimeout,
		converter:      messaging.NewSimpleMessageConverter(),
		replyTimeout:   DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConnectionFactory returns the factory the template sends through
func (t *Template) ConnectionFactory() ConnectionFactory {
	return t.factory
}

// SetMessageConverter replaces the converter. A nil converter is ignored.
func (t *Template) SetMessageConverter(c messaging.MessageConverter) {
	if c == nil {
		return
	}
	t.mu.Lock()
	t.converter = c
	t.mu.Unlock()
}

// MessageConverter returns the converter in use
func (t *Template) MessageConverter() messaging.MessageConverter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.converter
}

func (t *Template) SetExchange(exchange string) {
	t.mu.Lock()
	t.exchange = exchange
	t.mu.Unlock()
}

func (t *Template) Exchange() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exchange
}

func (t *Template) SetRoutingKey(key string) {
	t.mu.Lock()
	t.routingKey = key
	t.mu.Unlock()
}

func (t *Template) RoutingKey() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routingKey
}

func (t *Template) SetDefaultReceiveQueue(queue string) {
	t.mu.Lock()
	t.defaultQueue = queue
	t.mu.Unlock()
}

func (t *Template) DefaultReceiveQueue() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultQueue
}

func (t *Template) SetMandatory(mandatory bool) {
	t.mu.Lock()
	t.mandatory = mandatory
	t.mu.Unlock()
}

func (t *Template) Mandatory() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mandatory
}

// SetReceiveTimeout sets how long Receive polls. Zero means a single attempt.
func (t *Template) SetReceiveTimeout(d time.Duration) {
	t.mu.Lock()
	t.receiveTimeout = d
	t.mu.Unlock()
}

func (t *Template) ReceiveTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.receiveTimeout
}

func (t *Template) SetReplyTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.replyTimeout = d
	t.mu.Unlock()
}

func (t *Template) ReplyTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.replyTimeout
}

// Execute runs fn on a cached channel
func (t *Template) Execute(ctx context.Context, fn func(ch *CachedChannel) error) error {
	return withChannel(ctx, t.factory, fn)
}

// Send publishes msg to exchange with routingKey.
func (t *Template) Send(ctx context.Context, exchange, routingKey string, msg *messaging.Message) error {
	ctx, span := t.startSend(ctx, exchange, routingKey)
	defer span.End()

	err := withChannel(ctx, t.factory, func(ch *CachedChannel) error {
		return t.publish(ctx, ch, exchange, routingKey, msg)
	})
	return endSpan(span, err)
}

// SendDefault publishes msg using the default exchange and routing key
func (t *Template) SendDefault(ctx context.Context, msg *messaging.Message) error {
	return t.Send(ctx, t.Exchange(), t.RoutingKey(), msg)
}

// ConvertAndSend converts payload and publishes it
func (t *Template) ConvertAndSend(ctx context.Context, exchange, routingKey string, payload any) error {
	msg, err := t.MessageConverter().ToMessage(payload, messaging.MessageProperties{})
	if err != nil {
		return err
	}
	return t.Send(ctx, exchange, routingKey, msg)
}

// ConvertAndSendDefault converts payload and publishes it to the defaults
func (t *Template) ConvertAndSendDefault(ctx context.Context, payload any) error {
	return t.ConvertAndSend(ctx, t.Exchange(), t.RoutingKey(), payload)
}

// Receive fetches one message from queue, or from the default queue when
// queue is empty. It returns nil without error when none arrives within
// the receive timeout.
func (t *Template) Receive(ctx context.Context, queue string) (*messaging.Message, error) {
	if queue == "" {
		queue = t.DefaultReceiveQueue()
	}
	if queue == "" {
		return nil, ErrNoDestination
	}

	ctx, span := t.tracer.Start(ctx, queue+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "receive"),
			attribute.String("messaging.source.name", queue),
		),
	)
	defer span.End()

	var msg *messaging.Message
	err := withChannel(ctx, t.factory, func(ch *CachedChannel) error {
		var err error
		msg, err = t.poll(ctx, ch, queue)
		return err
	})
	if err == nil && msg != nil {
		span.SetAttributes(attribute.Int("messaging.message.body.size", len(msg.Body)))
		if sc := t.remoteSpanContext(msg); sc.IsValid() {
			span.AddLink(trace.Link{SpanContext: sc})
		}
	}
	return msg, endSpan(span, err)
}

// ReceiveAndConvert receives a message and converts its body. It returns
// nil without error when no message is available.
func (t *Template) ReceiveAndConvert(ctx context.Context, queue string) (any, error) {
	msg, err := t.Receive(ctx, queue)
	if err != nil || msg == nil {
		return nil, err
	}
	return t.MessageConverter().FromMessage(msg)
}

// SendAndReceive publishes msg and waits for a reply on the direct reply-to
// pseudo queue. It fails with ErrReplyTimeout when no reply arrives in time.
func (t *Template) SendAndReceive(ctx context.Context, exchange, routingKey string, msg *messaging.Message) (*messaging.Message, error) {
	ctx, span := t.startSend(ctx, exchange, routingKey)
	defer span.End()

	request := *msg
	request.Properties.ReplyTo = DirectReplyTo
	if request.Properties.CorrelationID == "" {
		request.Properties.CorrelationID = uuid.New().String()
	}
	correlationID := request.Properties.CorrelationID

	var reply *messaging.Message
	err := withChannel(ctx, t.factory, func(ch *CachedChannel) error {
		consumerTag := "mmate-reply-" + uuid.New().String()
		deliveries, err := ch.Consume(DirectReplyTo, consumerTag, true, false, false, false, nil)
		if err != nil {
			return &ChannelError{Op: "consume replies", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
		}
		defer func() {
			if err := ch.Cancel(consumerTag, false); err != nil {
				t.logger.Debug("failed to cancel reply consumer", "consumer", consumerTag, "error", err)
			}
		}()

		if err := t.publish(ctx, ch, exchange, routingKey, &request); err != nil {
			return err
		}

		reply, err = t.awaitReply(ctx, deliveries, correlationID)
		return err
	})
	return reply, endSpan(span, err)
}

// ConvertSendAndReceive converts payload, sends it and converts the reply
func (t *Template) ConvertSendAndReceive(ctx context.Context, exchange, routingKey string, payload any) (any, error) {
	converter := t.MessageConverter()
	msg, err := converter.ToMessage(payload, messaging.MessageProperties{})
	if err != nil {
		return nil, err
	}
	reply, err := t.SendAndReceive(ctx, exchange, routingKey, msg)
	if err != nil {
		return nil, err
	}
	return converter.FromMessage(reply)
}

func (t *Template) awaitReply(ctx context.Context, deliveries <-chan amqp.Delivery, correlationID string) (*messaging.Message, error) {
	timer := time.NewTimer(t.ReplyTimeout())
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, ErrChannelClosed
			}
			if d.CorrelationId != correlationID {
				t.logger.Warn("discarding reply with unexpected correlation id",
					"expected", correlationID,
					"received", d.CorrelationId)
				continue
			}
			return fromDelivery(d), nil
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrReplyTimeout, t.ReplyTimeout())
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
	}
}

// publish sends on ch, then waits for the confirm and checks for a return
// when the channel supports them.
func (t *Template) publish(ctx context.Context, ch *CachedChannel, exchange, routingKey string, msg *messaging.Message) error {
	mandatory := t.Mandatory()
	pub := toPublishing(msg)
	if pub.MessageId == "" {
		pub.MessageId = uuid.New().String()
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	t.propagator.Inject(ctx, tableCarrier(pub.Headers))

	confirms := ch.Confirms()
	var tag uint64
	if confirms != nil {
		tag = ch.GetNextPublishSeqNo()
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, pub); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Err: err, Timestamp: time.Now()}
	}
	if confirms == nil {
		return nil
	}

	if err := t.awaitConfirm(ctx, ch, tag); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Err: err, Timestamp: time.Now()}
	}

	// The broker sends basic.return before the ack of the same message.
	if mandatory && ch.Returns() != nil {
		select {
		case r := <-ch.Returns():
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Mandatory:  true,
				Err:        fmt.Errorf("%w: %d %s", ErrMandatoryFailed, r.ReplyCode, r.ReplyText),
				Timestamp:  time.Now(),
			}
		default:
		}
	}
	return nil
}

// awaitConfirm waits for the confirm carrying tag. Confirms for earlier
// publishes on the channel are skipped. If the wait is abandoned the channel
// is discarded so a late confirm cannot reach the next user.
func (t *Template) awaitConfirm(ctx context.Context, ch *CachedChannel, tag uint64) error {
	timer := time.NewTimer(t.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-ch.Confirms():
			if !ok {
				return ErrChannelClosed
			}
			if c.DeliveryTag < tag {
				t.logger.Debug("skipping stale confirm", "channel", ch.ID(), "delivery_tag", c.DeliveryTag, "expected", tag)
				continue
			}
			if !c.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		case <-timer.C:
			ch.discard()
			return ErrPublishTimeout
		case <-ctx.Done():
			ch.discard()
			return ctx.Err()
		}
	}
}

// poll gets one message, retrying until the receive timeout passes
func (t *Template) poll(ctx context.Context, ch *CachedChannel, queue string) (*messaging.Message, error) {
	deadline := time.Now().Add(t.ReceiveTimeout())
	for {
		d, ok, err := ch.Get(queue, true)
		if err != nil {
			return nil, &ChannelError{Op: "get", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
		}
		if ok {
			return fromDelivery(d), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
	}
}

func (t *Template) startSend(ctx context.Context, exchange, routingKey string) (context.Context, trace.Span) {
	destination := exchange
	if destination == "" {
		destination = "(default)"
	}
	return t.tracer.Start(ctx, destination+" send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
}

func (t *Template) remoteSpanContext(msg *messaging.Message) trace.SpanContext {
	if len(msg.Properties.Headers) == 0 {
		return trace.SpanContext{}
	}
	ctx := t.propagator.Extract(context.Background(), tableCarrier(msg.Properties.Headers))
	return trace.SpanContextFromContext(ctx)
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// tableCarrier lets a propagator read and write AMQP headers
type tableCarrier map[string]any

func (c tableCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
