package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeDirect  = amqp.ExchangeDirect
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeTopic   = amqp.ExchangeTopic
	ExchangeHeaders = amqp.ExchangeHeaders
)

// Declarable is anything the admin can declare on a broker
type Declarable interface {
	declare(ch AMQPChannel) error
	describe() (component, name string)
}

// Exchange defines an exchange to be declared
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

func (e Exchange) declare(ch AMQPChannel) error {
	if e.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidTopology)
	}
	kind := e.Kind
	if kind == "" {
		kind = ExchangeDirect
	}
	return ch.ExchangeDeclare(e.Name, kind, e.Durable, e.AutoDelete, e.Internal, false, e.Arguments)
}

func (e Exchange) describe() (string, string) { return "exchange", e.Name }

// Queue defines a queue to be declared. An empty Name asks the broker to
// pick one.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

func (q Queue) declare(ch AMQPChannel) error {
	_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	return err
}

func (q Queue) describe() (string, string) { return "queue", q.Name }

// DestinationType says whether a binding targets a queue or an exchange
type DestinationType int

const (
	DestinationQueue DestinationType = iota
	DestinationExchange
)

// Binding binds a queue or exchange to a source exchange
type Binding struct {
	Destination     string
	DestinationType DestinationType
	Exchange        string
	RoutingKey      string
	Arguments       amqp.Table
}

func (b Binding) declare(ch AMQPChannel) error {
	if b.Destination == "" || b.Exchange == "" {
		return fmt.Errorf("%w: binding needs a destination and an exchange", ErrInvalidTopology)
	}
	if b.DestinationType == DestinationExchange {
		return ch.ExchangeBind(b.Destination, b.RoutingKey, b.Exchange, false, b.Arguments)
	}
	return ch.QueueBind(b.Destination, b.RoutingKey, b.Exchange, false, b.Arguments)
}

func (b Binding) describe() (string, string) {
	return "binding", b.Exchange + "->" + b.Destination
}

// QueueInfo describes a queue as reported by a passive declare
type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

// AmqpAdmin manages broker topology.
type AmqpAdmin interface {
	DeclareExchange(ctx context.Context, exchange Exchange) error
	DeleteExchange(ctx context.Context, name string) (bool, error)
	DeclareQueue(ctx context.Context, queue Queue) (string, error)
	DeleteQueue(ctx context.Context, name string) (bool, error)
	PurgeQueue(ctx context.Context, name string) (int, error)
	DeclareBinding(ctx context.Context, binding Binding) error
	RemoveBinding(ctx context.Context, binding Binding) error
	QueueProperties(ctx context.Context, name string) (*QueueInfo, error)
	Initialize(ctx context.Context) error
}

// AdminOption configures an Admin
type AdminOption func(*Admin)

// WithAdminLogger sets the logger
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) {
		a.logger = logger
	}
}

// WithAutoStartup controls redeclaring registered declarables on every new
// connection. Enabled by default.
func WithAutoStartup(enabled bool) AdminOption {
	return func(a *Admin) {
		a.autoStartup = enabled
	}
}

// Admin declares exchanges, queues and bindings through a ConnectionFactory.
// It does not own the factory.
type Admin struct {
	factory     ConnectionFactory
	logger      *slog.Logger
	autoStartup bool

	mu          sync.Mutex
	declarables []Declarable

	initializing atomic.Bool
}

// NewAdmin creates an admin over factory. With auto startup, declarables
// registered through Declare are redeclared whenever the factory opens a
// connection.
func NewAdmin(factory ConnectionFactory, opts ...AdminOption) *Admin {
	a := &Admin{
		factory:     factory,
		logger:      slog.Default(),
		autoStartup: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.autoStartup {
		factory.AddConnectionListener(ConnectionListenerFuncs{Create: a.onConnectionCreated})
	}
	return a
}

// ConnectionFactory returns the factory the admin declares through
func (a *Admin) ConnectionFactory() ConnectionFactory {
	return a.factory
}

// Declare registers declarables for Initialize and for redeclaration on reconnect.
func (a *Admin) Declare(items ...Declarable) {
	a.mu.Lock()
	a.declarables = append(a.declarables, items...)
	a.mu.Unlock()
}

// Declarables returns the registered declarables in registration order
func (a *Admin) Declarables() []Declarable {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Declarable, len(a.declarables))
	copy(out, a.declarables)
	return out
}

// Initialize declares every registered declarable, exchanges first, then
// queues, then bindings.
func (a *Admin) Initialize(ctx context.Context) error {
	a.initializing.Store(true)
	defer a.initializing.Store(false)

	items := ordered(a.Declarables())
	if len(items) == 0 {
		return nil
	}
	return withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		return a.declareAll(ch, items)
	})
}

func (a *Admin) onConnectionCreated(conn Connection) {
	if a.initializing.Load() {
		return
	}
	items := ordered(a.Declarables())
	if len(items) == 0 {
		return
	}

	ctx := context.Background()
	ch, err := conn.CreateChannel(ctx)
	if err != nil {
		a.logger.Error("failed to open channel for redeclaration", "connection", conn.ID(), "error", err)
		return
	}
	defer ch.Close()

	if err := a.declareAll(ch, items); err != nil {
		a.logger.Error("failed to redeclare topology", "connection", conn.ID(), "error", err)
		return
	}
	a.logger.Debug("topology redeclared", "connection", conn.ID(), "declarables", len(items))
}

func (a *Admin) declareAll(ch AMQPChannel, items []Declarable) error {
	for _, d := range items {
		if err := d.declare(ch); err != nil {
			component, name := d.describe()
			return newTopologyError(component, name, "declare", err)
		}
	}
	return nil
}

// DeclareExchange declares a single exchange
func (a *Admin) DeclareExchange(ctx context.Context, exchange Exchange) error {
	return withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		if err := exchange.declare(ch); err != nil {
			return newTopologyError("exchange", exchange.Name, "declare", err)
		}
		return nil
	})
}

// DeleteExchange deletes an exchange. It reports false when the broker
// refused, for example because the exchange does not exist.
func (a *Admin) DeleteExchange(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		if err := ch.ExchangeDelete(name, false, false); err != nil {
			if isChannelLevel(err) {
				a.logger.Debug("exchange delete refused", "exchange", name, "error", err)
				return nil
			}
			return newTopologyError("exchange", name, "delete", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// DeclareQueue declares a queue and returns its name, which the broker
// chooses when queue.Name is empty.
func (a *Admin) DeclareQueue(ctx context.Context, queue Queue) (string, error) {
	var name string
	err := withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		q, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		if err != nil {
			return newTopologyError("queue", queue.Name, "declare", err)
		}
		name = q.Name
		return nil
	})
	return name, err
}

// DeleteQueue deletes a queue, reporting false when the broker refused.
func (a *Admin) DeleteQueue(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			if isChannelLevel(err) {
				a.logger.Debug("queue delete refused", "queue", name, "error", err)
				return nil
			}
			return newTopologyError("queue", name, "delete", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// PurgeQueue removes all ready messages and returns how many were dropped
func (a *Admin) PurgeQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		n, err := ch.QueuePurge(name, false)
		if err != nil {
			return newTopologyError("queue", name, "purge", err)
		}
		purged = n
		return nil
	})
	return purged, err
}

// DeclareBinding binds a queue or exchange to an exchange
func (a *Admin) DeclareBinding(ctx context.Context, binding Binding) error {
	return withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		if err := binding.declare(ch); err != nil {
			_, name := binding.describe()
			return newTopologyError("binding", name, "declare", err)
		}
		return nil
	})
}

// RemoveBinding removes a binding
func (a *Admin) RemoveBinding(ctx context.Context, binding Binding) error {
	return withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		var err error
		if binding.DestinationType == DestinationExchange {
			err = ch.ExchangeUnbind(binding.Destination, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
		} else {
			err = ch.QueueUnbind(binding.Destination, binding.RoutingKey, binding.Exchange, binding.Arguments)
		}
		if err != nil {
			_, name := binding.describe()
			return newTopologyError("binding", name, "remove", err)
		}
		return nil
	})
}

// QueueProperties inspects a queue with a passive declare. It returns nil
// without error when the queue does not exist.
func (a *Admin) QueueProperties(ctx context.Context, name string) (*QueueInfo, error) {
	var info *QueueInfo
	err := withChannel(ctx, a.factory, func(ch *CachedChannel) error {
		q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return newTopologyError("queue", name, "inspect", err)
		}
		info = &QueueInfo{Name: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}
		return nil
	})
	return info, err
}

// ordered sorts declarables into exchanges, queues, bindings, keeping
// registration order inside each group.
func ordered(items []Declarable) []Declarable {
	out := make([]Declarable, 0, len(items))
	for _, group := range []string{"exchange", "queue", "binding"} {
		for _, d := range items {
			if component, _ := d.describe(); component == group {
				out = append(out, d)
			}
		}
	}
	return out
}

// isChannelLevel reports a soft broker refusal, which closes only the channel
func isChannelLevel(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Recover
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}
