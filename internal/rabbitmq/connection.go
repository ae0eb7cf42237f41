package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a broker connection handed out by a ConnectionFactory.
// Close gives it back to the factory, which decides whether it stays open.
type Connection interface {
	ID() string
	CreateChannel(ctx context.Context) (*CachedChannel, error)
	ServerProperties() amqp.Table
	IsOpen() bool
	Close() error
}

// ConnectionListener receives connection lifecycle notifications. Listeners
// run on the caller's goroutine, never while the factory holds a lock.
type ConnectionListener interface {
	OnCreate(conn Connection)
	OnClose(conn Connection)
}

// ConnectionListenerFuncs adapts plain functions to ConnectionListener.
// Nil fields are skipped.
type ConnectionListenerFuncs struct {
	Create func(conn Connection)
	Close  func(conn Connection)
}

func (l ConnectionListenerFuncs) OnCreate(conn Connection) {
	if l.Create != nil {
		l.Create(conn)
	}
}

func (l ConnectionListenerFuncs) OnClose(conn Connection) {
	if l.Close != nil {
		l.Close(conn)
	}
}

// cachedConnection is one physical connection plus its channel cache
type cachedConnection struct {
	id       string
	address  string
	raw      AMQPConnection
	channels *channelCache
	factory  *CachingConnectionFactory
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func newCachedConnection(f *CachingConnectionFactory, raw AMQPConnection, address string) *cachedConnection {
	c := &cachedConnection{
		id:      uuid.New().String(),
		address: address,
		raw:     raw,
		factory: f,
		logger:  f.logger,
	}
	c.channels = newChannelCache(raw, channelCacheOptions{
		size:            f.channelCacheSize,
		checkoutTimeout: f.channelCheckoutTimeout,
		confirms:        f.publisherConfirms,
		returns:         f.publisherReturns,
		logger:          f.logger,
	})
	return c
}

func (c *cachedConnection) ID() string {
	return c.id
}

// CreateChannel checks a channel out of this connection's cache
func (c *cachedConnection) CreateChannel(ctx context.Context) (*CachedChannel, error) {
	if !c.IsOpen() {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	return c.channels.get(ctx)
}

func (c *cachedConnection) ServerProperties() amqp.Table {
	return c.raw.ServerProperties()
}

func (c *cachedConnection) IsOpen() bool {
	return !c.closed.Load() && !c.raw.IsClosed()
}

// Close hands the connection back to the factory
func (c *cachedConnection) Close() error {
	return c.factory.release(c)
}

// watch reports an unexpected close from the broker to the factory
func (c *cachedConnection) watch() {
	notify := c.raw.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		if c.closed.Load() {
			return
		}
		if ok && amqpErr != nil {
			c.logger.Warn("connection closed by broker",
				"connection", c.id,
				"address", c.address,
				"code", amqpErr.Code,
				"reason", amqpErr.Reason)
		} else {
			c.logger.Info("connection closed", "connection", c.id, "address", c.address)
		}
		c.factory.connectionLost(c)
	}()
}

// destroy closes the channel cache and the physical connection.
// It reports whether this call did the work.
func (c *cachedConnection) destroy() bool {
	done := false
	c.closeOnce.Do(func() {
		done = true
		c.closed.Store(true)
		c.channels.close()
		if !c.raw.IsClosed() {
			if err := c.raw.Close(); err != nil {
				c.logger.Debug("error closing connection", "connection", c.id, "error", err)
			}
		}
	})
	return done
}

// withChannel runs fn on a channel from cf, returning both channel and
// connection afterwards.
func withChannel(ctx context.Context, cf ConnectionFactory, fn func(ch *CachedChannel) error) error {
	conn, err := cf.CreateConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	return fn(ch)
}
