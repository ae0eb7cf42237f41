package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultChannelCacheSize is the number of idle channels kept per connection.
const DefaultChannelCacheSize = 25

// returnBuffer bounds returned messages held per channel between publishes.
const returnBuffer = 16

// confirmBuffer bounds unread publisher confirms per channel. A caller that
// publishes more than this through Execute without reading Confirms stalls
// the connection.
const confirmBuffer = 64

// CachedChannel wraps an AMQP channel checked out of a connection's cache.
// Close hands the channel back to the cache instead of closing it.
type CachedChannel struct {
	AMQPChannel
	id       string
	cache    *channelCache
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	released atomic.Bool
	broken   atomic.Bool
}

// ID returns the cache-local channel identifier
func (c *CachedChannel) ID() string {
	return c.id
}

// Confirms delivers publisher confirms when the factory runs in confirm mode,
// nil otherwise.
func (c *CachedChannel) Confirms() <-chan amqp.Confirmation {
	return c.confirms
}

// Returns delivers unroutable mandatory messages when returns are enabled,
// nil otherwise.
func (c *CachedChannel) Returns() <-chan amqp.Return {
	return c.returns
}

// Close returns the channel to its cache. Calling it twice is harmless.
func (c *CachedChannel) Close() error {
	if c.released.Swap(true) {
		return nil
	}
	c.cache.put(c)
	return nil
}

// discard marks the channel unfit for reuse, e.g. when a confirm is still
// in flight. Close then closes it instead of caching it.
func (c *CachedChannel) discard() {
	c.broken.Store(true)
}

// drainConfirms drops confirms for publishes nobody waited on
func (c *CachedChannel) drainConfirms() {
	if c.confirms == nil {
		return
	}
	for {
		select {
		case conf, ok := <-c.confirms:
			if !ok {
				return
			}
			if !conf.Ack {
				c.cache.logger.Warn("unread publish was nacked by broker",
					"channel", c.id,
					"delivery_tag", conf.DeliveryTag)
			}
		default:
			return
		}
	}
}

// drainReturns logs and discards returns nobody waited for
func (c *CachedChannel) drainReturns() {
	if c.returns == nil {
		return
	}
	for {
		select {
		case r := <-c.returns:
			c.cache.logger.Warn("message returned by broker",
				"channel", c.id,
				"exchange", r.Exchange,
				"routing_key", r.RoutingKey,
				"reply_code", r.ReplyCode,
				"reply_text", r.ReplyText)
		default:
			return
		}
	}
}

type channelCacheOptions struct {
	size            int
	checkoutTimeout time.Duration
	confirms        bool
	returns         bool
	logger          *slog.Logger
}

// channelCache keeps idle channels of one connection. With a checkout timeout
// the cache size is also the maximum number of open channels.
type channelCache struct {
	conn            AMQPConnection
	idle            chan *CachedChannel
	permits         chan struct{}
	checkoutTimeout time.Duration
	confirms        bool
	returns         bool
	logger          *slog.Logger

	mu     sync.Mutex
	closed bool

	created   atomic.Int64
	checkouts atomic.Int64
	active    atomic.Int64
}

func newChannelCache(conn AMQPConnection, opts channelCacheOptions) *channelCache {
	size := opts.size
	if size < 1 {
		size = DefaultChannelCacheSize
	}
	cc := &channelCache{
		conn:            conn,
		idle:            make(chan *CachedChannel, size),
		checkoutTimeout: opts.checkoutTimeout,
		confirms:        opts.confirms,
		returns:         opts.returns,
		logger:          opts.logger,
	}
	if cc.logger == nil {
		cc.logger = slog.Default()
	}
	if opts.checkoutTimeout > 0 {
		cc.permits = make(chan struct{}, size)
	}
	return cc
}

// get checks out an idle channel or opens a new one
func (cc *channelCache) get(ctx context.Context) (*CachedChannel, error) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil, ErrChannelCacheClosed
	}
	cc.mu.Unlock()

	if err := cc.acquire(ctx); err != nil {
		return nil, err
	}

	for {
		select {
		case ch := <-cc.idle:
			if ch.AMQPChannel.IsClosed() {
				cc.active.Add(-1)
				continue
			}
			ch.released.Store(false)
			cc.checkouts.Add(1)
			return ch, nil
		default:
		}

		ch, err := cc.create(ctx)
		if err != nil {
			cc.release()
			return nil, err
		}
		cc.checkouts.Add(1)
		return ch, nil
	}
}

// acquire takes a permit when the cache size is a hard limit
func (cc *channelCache) acquire(ctx context.Context) error {
	if cc.permits == nil {
		return nil
	}

	timer := time.NewTimer(cc.checkoutTimeout)
	defer timer.Stop()

	select {
	case cc.permits <- struct{}{}:
		return nil
	case <-timer.C:
		return &ChannelError{
			Op:        "checkout",
			ChannelID: "cache",
			Err:       ErrChannelCheckoutTimeout,
			Timestamp: time.Now(),
		}
	case <-ctx.Done():
		return &ChannelError{
			Op:        "checkout",
			ChannelID: "cache",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}
}

func (cc *channelCache) release() {
	if cc.permits == nil {
		return
	}
	select {
	case <-cc.permits:
	default:
	}
}

// put returns a channel to the cache. It closes the channel instead when
// the cache is full or closed, or the channel is dead or discarded.
func (cc *channelCache) put(ch *CachedChannel) {
	defer cc.release()

	cc.mu.Lock()
	closed := cc.closed
	cc.mu.Unlock()

	if closed || ch.broken.Load() || ch.AMQPChannel.IsClosed() {
		cc.active.Add(-1)
		if !ch.AMQPChannel.IsClosed() {
			_ = ch.AMQPChannel.Close()
		}
		return
	}

	ch.drainConfirms()
	ch.drainReturns()

	select {
	case cc.idle <- ch:
	default:
		cc.active.Add(-1)
		if err := ch.AMQPChannel.Close(); err != nil {
			cc.logger.Debug("failed to close surplus channel", "channel", ch.id, "error", err)
		}
	}
}

// create opens a new channel, applying confirm and return listeners
func (cc *channelCache) create(ctx context.Context) (*CachedChannel, error) {
	select {
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	default:
	}

	if cc.conn.IsClosed() {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}

	raw, err := cc.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	ch := &CachedChannel{
		AMQPChannel: raw,
		id:          uuid.New().String(),
		cache:       cc,
	}

	if cc.confirms {
		if err := raw.Confirm(false); err != nil {
			_ = raw.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				ChannelID: ch.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		ch.confirms = raw.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}
	if cc.returns {
		ch.returns = raw.NotifyReturn(make(chan amqp.Return, returnBuffer))
	}

	cc.created.Add(1)
	cc.active.Add(1)
	return ch, nil
}

// close closes every idle channel. Checked-out channels are closed when
// they come back.
func (cc *channelCache) close() {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	cc.mu.Unlock()

	for {
		select {
		case ch := <-cc.idle:
			cc.active.Add(-1)
			if !ch.AMQPChannel.IsClosed() {
				_ = ch.AMQPChannel.Close()
			}
		default:
			return
		}
	}
}

// idleCount returns the number of channels waiting in the cache
func (cc *channelCache) idleCount() int {
	return len(cc.idle)
}
