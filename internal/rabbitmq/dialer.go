package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConnection is the subset of *amqp.Connection the factory relies on.
// It exists so a broker can be substituted in tests.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	ServerProperties() amqp.Table
	IsClosed() bool
	Close() error
}

// AMQPChannel is the subset of *amqp.Channel used by the admin and the template.
// *amqp.Channel satisfies it directly.
type AMQPChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection for url using cfg.
type DialFunc func(url string, cfg amqp.Config) (AMQPConnection, error)

// DialAMQP is the default DialFunc backed by amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (AMQPConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return realConnection{c: conn}, nil
}

// realConnection adapts *amqp.Connection to AMQPConnection
type realConnection struct{ c *amqp.Connection }

func (r realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return r.c.NotifyClose(c) }
func (r realConnection) ServerProperties() amqp.Table                    { return r.c.Properties }
func (r realConnection) IsClosed() bool                                  { return r.c.IsClosed() }
func (r realConnection) Close() error                                    { return r.c.Close() }
