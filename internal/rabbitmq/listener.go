package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-boot/messaging"
)

// AcknowledgeMode selects how a listener container acknowledges deliveries.
type AcknowledgeMode int

const (
	// AckModeAuto acks when the listener returns nil and rejects otherwise.
	AckModeAuto AcknowledgeMode = iota
	// AckModeManual leaves acknowledgement to the listener.
	AckModeManual
	// AckModeNone consumes with auto-ack.
	AckModeNone
)

const (
	DefaultPrefetch         = 250
	DefaultConcurrency      = 1
	DefaultRecoveryInterval = 5 * time.Second
)

func (m AcknowledgeMode) String() string {
	switch m {
	case AckModeAuto:
		return "AUTO"
	case AckModeManual:
		return "MANUAL"
	case AckModeNone:
		return "NONE"
	default:
		return fmt.Sprintf("AcknowledgeMode(%d)", int(m))
	}
}

// ParseAcknowledgeMode accepts AUTO, MANUAL or NONE, case-insensitively.
func ParseAcknowledgeMode(s string) (AcknowledgeMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO":
		return AckModeAuto, nil
	case "MANUAL":
		return AckModeManual, nil
	case "NONE":
		return AckModeNone, nil
	default:
		return 0, newConfigurationError("acknowledge mode", "", fmt.Errorf("unknown mode %q", s))
	}
}

// Delivery is a received message together with its acknowledgement handle.
type Delivery struct {
	*messaging.Message

	raw       amqp.Delivery
	converter messaging.MessageConverter
	mode      AcknowledgeMode
}

// Payload converts the body with the container's converter
func (d *Delivery) Payload() (any, error) {
	return d.converter.FromMessage(d.Message)
}

// Ack acknowledges the delivery. Only valid in MANUAL mode.
func (d *Delivery) Ack() error {
	if d.mode != AckModeManual {
		return ErrManualAckRequired
	}
	return d.raw.Ack(false)
}

// Nack rejects the delivery. Only valid in MANUAL mode.
func (d *Delivery) Nack(requeue bool) error {
	if d.mode != AckModeManual {
		return ErrManualAckRequired
	}
	return d.raw.Nack(false, requeue)
}

// MessageListener handles one delivery. In AUTO mode a nil error acks the
// delivery; an error rejects it, requeueing unless the error wraps
// ErrRejectAndDontRequeue or requeueing is disabled.
type MessageListener func(ctx context.Context, d *Delivery) error

// ListenerOption configures a ListenerContainerFactory
type ListenerOption func(*ListenerContainerFactory)

// WithListenerLogger sets the logger handed to every container
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(f *ListenerContainerFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// ListenerContainerFactory creates listener containers that share consumer
// settings and a message converter.
type ListenerContainerFactory struct {
	connectionFactory ConnectionFactory
	logger            *slog.Logger

	mu               sync.RWMutex
	converter        messaging.MessageConverter
	ackMode          AcknowledgeMode
	concurrency      int
	prefetch         int
	requeueRejected  bool
	recoveryInterval time.Duration
}

// NewListenerContainerFactory creates a factory consuming through cf
func NewListenerContainerFactory(cf ConnectionFactory, opts ...ListenerOption) *ListenerContainerFactory {
	f := &ListenerContainerFactory{
		connectionFactory: cf,
		logger:            slog.Default(),
		converter:         messaging.NewSimpleMessageConverter(),
		ackMode:           AckModeAuto,
		concurrency:       DefaultConcurrency,
		prefetch:          DefaultPrefetch,
		requeueRejected:   true,
		recoveryInterval:  DefaultRecoveryInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ConnectionFactory returns the factory containers consume through
func (f *ListenerContainerFactory) ConnectionFactory() ConnectionFactory {
	return f.connectionFactory
}

// SetMessageConverter replaces the converter. A nil converter is ignored.
func (f *ListenerContainerFactory) SetMessageConverter(c messaging.MessageConverter) {
	if c == nil {
		return
	}
	f.mu.Lock()
	f.converter = c
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) MessageConverter() messaging.MessageConverter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.converter
}

func (f *ListenerContainerFactory) SetAcknowledgeMode(mode AcknowledgeMode) {
	f.mu.Lock()
	f.ackMode = mode
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) AcknowledgeMode() AcknowledgeMode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ackMode
}

// SetConcurrency sets the consumers started per queue. Values below 1 are ignored.
func (f *ListenerContainerFactory) SetConcurrency(n int) {
	if n < 1 {
		return
	}
	f.mu.Lock()
	f.concurrency = n
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) Concurrency() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.concurrency
}

// SetPrefetch sets the per-consumer QoS. Zero means unlimited.
func (f *ListenerContainerFactory) SetPrefetch(n int) {
	if n < 0 {
		return
	}
	f.mu.Lock()
	f.prefetch = n
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) Prefetch() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prefetch
}

func (f *ListenerContainerFactory) SetDefaultRequeueRejected(requeue bool) {
	f.mu.Lock()
	f.requeueRejected = requeue
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) DefaultRequeueRejected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.requeueRejected
}

// SetRecoveryInterval sets the wait between resubscribe attempts
func (f *ListenerContainerFactory) SetRecoveryInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.recoveryInterval = d
	f.mu.Unlock()
}

func (f *ListenerContainerFactory) RecoveryInterval() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.recoveryInterval
}

type containerSettings struct {
	converter        messaging.MessageConverter
	ackMode          AcknowledgeMode
	concurrency      int
	prefetch         int
	requeueRejected  bool
	recoveryInterval time.Duration
}

// CreateListenerContainer creates a stopped container that hands deliveries
// from queues to listener. Later changes to the factory do not affect it.
func (f *ListenerContainerFactory) CreateListenerContainer(listener MessageListener, queues ...string) (*ListenerContainer, error) {
	if listener == nil {
		return nil, newConfigurationError("listener container", "", errors.New("listener cannot be nil"))
	}
	var names []string
	for _, q := range queues {
		if q = strings.TrimSpace(q); q != "" {
			names = append(names, q)
		}
	}
	if len(names) == 0 {
		return nil, newConfigurationError("listener container", "", ErrNoDestination)
	}

	f.mu.RLock()
	settings := containerSettings{
		converter:        f.converter,
		ackMode:          f.ackMode,
		concurrency:      f.concurrency,
		prefetch:         f.prefetch,
		requeueRejected:  f.requeueRejected,
		recoveryInterval: f.recoveryInterval,
	}
	f.mu.RUnlock()

	return &ListenerContainer{
		factory:  f.connectionFactory,
		logger:   f.logger,
		settings: settings,
		queues:   names,
		listener: listener,
	}, nil
}

// ListenerContainer keeps consumers subscribed to its queues, subscribing
// again after the channel or connection is lost.
type ListenerContainer struct {
	factory  ConnectionFactory
	logger   *slog.Logger
	settings containerSettings
	queues   []string
	listener MessageListener

	mu     sync.Mutex
	cancel context.CancelFunc
	fatal  error
	wg     sync.WaitGroup

	active atomic.Int32
}

// Queues returns the queues the container consumes from
func (c *ListenerContainer) Queues() []string {
	out := make([]string, len(c.queues))
	copy(out, c.queues)
	return out
}

func (c *ListenerContainer) AcknowledgeMode() AcknowledgeMode {
	return c.settings.ackMode
}

// Start launches the configured number of consumers for every queue and
// returns without waiting for them to subscribe.
func (c *ListenerContainer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrContainerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.fatal = nil
	for _, queue := range c.queues {
		for i := 0; i < c.settings.concurrency; i++ {
			c.wg.Add(1)
			go c.run(ctx, queue)
		}
	}

	c.logger.Info("listener container started",
		"queues", c.queues,
		"concurrency", c.settings.concurrency,
		"prefetch", c.settings.prefetch,
		"ack_mode", c.settings.ackMode.String())
	return nil
}

// Stop cancels every consumer and waits for running listeners to return.
// Unacknowledged deliveries go back to the broker.
func (c *ListenerContainer) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("listener container stopped", "queues", c.queues)
	return nil
}

// Close stops the container
func (c *ListenerContainer) Close() error {
	return c.Stop()
}

func (c *ListenerContainer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// ActiveConsumers returns the number of consumers currently subscribed
func (c *ListenerContainer) ActiveConsumers() int {
	return int(c.active.Load())
}

// Err returns the error that stopped a consumer for good, such as a
// missing queue.
func (c *ListenerContainer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// run keeps one consumer on queue until ctx ends or a fatal error occurs
func (c *ListenerContainer) run(ctx context.Context, queue string) {
	defer c.wg.Done()

	for {
		err := c.consume(ctx, queue)
		if ctx.Err() != nil {
			return
		}
		if IsFatal(err) {
			c.logger.Error("consumer stopped", "queue", queue, "error", err)
			c.mu.Lock()
			if c.fatal == nil {
				c.fatal = err
			}
			c.mu.Unlock()
			return
		}

		c.logger.Warn("consumer failed, subscribing again",
			"queue", queue,
			"error", err,
			"recovery_interval", c.settings.recoveryInterval)
		timer := time.NewTimer(c.settings.recoveryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume subscribes once and dispatches deliveries until the subscription
// ends. The channel is closed afterwards rather than cached, so the broker
// requeues anything still unacknowledged.
func (c *ListenerContainer) consume(ctx context.Context, queue string) error {
	conn, err := c.factory.CreateConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		ch.discard()
		_ = ch.Close()
	}()

	tag := "mmate-" + uuid.New().String()
	autoAck := c.settings.ackMode == AckModeNone

	if !autoAck {
		if err := ch.Qos(c.settings.prefetch, 0, false); err != nil {
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		consumerErr := &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return newConfigurationError("listener queue", queue, consumerErr)
		}
		return consumerErr
	}

	c.active.Add(1)
	defer c.active.Add(-1)
	c.logger.Debug("consumer subscribed", "queue", queue, "consumer", tag)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "receive", Err: ErrChannelClosed, Timestamp: time.Now()}
			}
			c.dispatch(ctx, queue, d)
		}
	}
}

// dispatch runs the listener and acknowledges according to the ack mode
func (c *ListenerContainer) dispatch(ctx context.Context, queue string, raw amqp.Delivery) {
	d := &Delivery{
		Message:   fromDelivery(raw),
		raw:       raw,
		converter: c.settings.converter,
		mode:      c.settings.ackMode,
	}

	err := c.invoke(ctx, d)
	if err != nil {
		c.logger.Error("listener failed",
			"queue", queue,
			"message_id", raw.MessageId,
			"redelivered", raw.Redelivered,
			"error", err)
	}
	if c.settings.ackMode != AckModeAuto {
		return
	}

	if err == nil {
		if ackErr := raw.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", queue, "error", ackErr)
		}
		return
	}
	requeue := c.settings.requeueRejected && !errors.Is(err, ErrRejectAndDontRequeue)
	if nackErr := raw.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to nack message",
			"queue", queue,
			"error", nackErr,
			"original_error", err)
	}
}

// invoke calls the listener, turning a panic into an error
func (c *ListenerContainer) invoke(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return c.listener(ctx, d)
}
