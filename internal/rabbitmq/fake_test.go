package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for a RabbitMQ node. It routes on the
// default exchange and on exact-match bindings, which is all the tests need.
type fakeBroker struct {
	mu sync.Mutex

	queues     map[string][]amqp.Delivery
	exchanges  map[string]string
	bindings   []fakeBinding
	responders map[string]func(amqp.Publishing) amqp.Publishing

	dialed    []string
	configs   []amqp.Config
	failHosts map[string]bool
	conns     []*fakeConnection
	published []fakePublish
	subs      map[string][]*fakeSub
	next      map[string]int
	acks      []uint64
	nacks     []fakeNack

	nack          bool
	confirmDelay  time.Duration
	failChannels  bool
	queueCounter  int
	serverVersion string
}

type fakeBinding struct {
	destination string
	exchange    string
	key         string
	toExchange  bool
}

// fakeSub is a basic.consume on a regular queue
type fakeSub struct {
	ch         *fakeChannel
	tag        string
	autoAck    bool
	deliveries chan amqp.Delivery
}

type fakeNack struct {
	tag     uint64
	requeue bool
}

type fakePublish struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:        make(map[string][]amqp.Delivery),
		exchanges:     make(map[string]string),
		responders:    make(map[string]func(amqp.Publishing) amqp.Publishing),
		failHosts:     make(map[string]bool),
		subs:          make(map[string][]*fakeSub),
		next:          make(map[string]int),
		serverVersion: "3.13.7",
	}
}

func (b *fakeBroker) dial(url string, cfg amqp.Config) (AMQPConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dialed = append(b.dialed, url)
	b.configs = append(b.configs, cfg)
	for host := range b.failHosts {
		if strings.Contains(url, host) {
			return nil, fmt.Errorf("dial tcp %s: connection refused", host)
		}
	}
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dialed)
}

func (b *fakeBroker) setNack(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = nack
}

// setConfirmDelay makes the broker confirm publishes d after they arrive
func (b *fakeBroker) setConfirmDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmDelay = d
}

func (b *fakeBroker) addQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
}

func (b *fakeBroker) enqueue(queue string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(queue, d)
}

// push hands d to a consumer of queue, round robin, or stores it when no
// consumer can take it; callers hold b.mu
func (b *fakeBroker) push(queue string, d amqp.Delivery) {
	subs := b.subs[queue]
	for i := range subs {
		sub := subs[(b.next[queue]+i)%len(subs)]
		d := d
		d.ConsumerTag = sub.tag
		d.DeliveryTag = sub.ch.deliveryTags.Add(1)
		if !sub.autoAck {
			d.Acknowledger = fakeAcker{broker: b}
		}
		select {
		case sub.deliveries <- d:
			b.next[queue] = (b.next[queue] + i + 1) % len(subs)
			return
		default:
		}
	}
	b.queues[queue] = append(b.queues[queue], d)
}

func (b *fakeBroker) subscribers(queue string) []*fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeSub, len(b.subs[queue]))
	copy(out, b.subs[queue])
	return out
}

func (b *fakeBroker) ackedTags() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

func (b *fakeBroker) nacked() []fakeNack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeNack(nil), b.nacks...)
}

// unsubscribe closes and removes the consumers drop selects; callers hold b.mu
func (b *fakeBroker) unsubscribe(drop func(*fakeSub) bool) {
	for q, subs := range b.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if drop(sub) {
				close(sub.deliveries)
				continue
			}
			kept = append(kept, sub)
		}
		b.subs[q] = kept
	}
}

// fakeAcker records acknowledgements
type fakeAcker struct{ broker *fakeBroker }

func (a fakeAcker) Ack(tag uint64, multiple bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acks = append(a.broker.acks, tag)
	return nil
}

func (a fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.nacks = append(a.broker.nacks, fakeNack{tag: tag, requeue: requeue})
	return nil
}

func (a fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fakePublish, len(b.published))
	copy(out, b.published)
	return out
}

func (b *fakeBroker) respond(routingKey string, fn func(amqp.Publishing) amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[routingKey] = fn
}

// route returns the queues a publish reaches; callers hold b.mu
func (b *fakeBroker) route(exchange, key string) []string {
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}
	var out []string
	for _, bd := range b.bindings {
		if bd.exchange != exchange || bd.key != key {
			continue
		}
		if bd.toExchange {
			out = append(out, b.route(bd.destination, key)...)
			continue
		}
		out = append(out, bd.destination)
	}
	return out
}

func notFound(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf(format, args...), Server: true, Recover: true}
}

// fakeConnection implements AMQPConnection
type fakeConnection struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (AMQPChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.broker.mu.Lock()
	fail := c.broker.failChannels
	c.broker.mu.Unlock()
	if fail {
		return nil, errors.New("channel max reached")
	}
	ch := &fakeChannel{conn: c, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) ServerProperties() amqp.Table {
	return amqp.Table{"product": "RabbitMQ", "version": c.broker.serverVersion}
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// drop simulates the broker closing the connection
func (c *fakeConnection) drop(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

func (c *fakeConnection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	return nil
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// fakeChannel implements AMQPChannel
type fakeChannel struct {
	conn *fakeConnection

	mu        sync.Mutex
	closed    bool
	confirm   bool
	tag       uint64
	prefetch  int
	confirms  []chan amqp.Confirmation
	returns   []chan amqp.Return
	consumers map[string]chan amqp.Delivery

	deliveryTags atomic.Uint64
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) prefetchCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, c)
	return c
}

func (ch *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.published = append(b.published, fakePublish{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	if exchange != "" {
		if _, ok := b.exchanges[exchange]; !ok {
			b.mu.Unlock()
			ch.closed = true
			return notFound("no exchange '%s' in vhost '/'", exchange)
		}
	}
	targets := b.route(exchange, key)
	responder := b.responders[key]
	nack := b.nack
	delay := b.confirmDelay
	for _, q := range targets {
		b.push(q, deliveryFor(exchange, key, msg))
	}
	b.mu.Unlock()

	if responder != nil && msg.ReplyTo == DirectReplyTo {
		if replies, ok := ch.consumers[DirectReplyTo]; ok {
			reply := responder(msg)
			if reply.CorrelationId == "" {
				reply.CorrelationId = msg.CorrelationId
			}
			replies <- deliveryFor("", DirectReplyTo, reply)
		}
	}

	if mandatory && len(targets) == 0 && responder == nil {
		for _, r := range ch.returns {
			r <- amqp.Return{
				ReplyCode:  amqp.NoRoute,
				ReplyText:  "NO_ROUTE",
				Exchange:   exchange,
				RoutingKey: key,
				Body:       msg.Body,
			}
		}
	}

	if ch.confirm {
		ch.tag++
		conf := amqp.Confirmation{DeliveryTag: ch.tag, Ack: !nack}
		listeners := append([]chan amqp.Confirmation(nil), ch.confirms...)
		if delay > 0 {
			go func() {
				time.Sleep(delay)
				for _, c := range listeners {
					c <- conf
				}
			}()
		} else {
			for _, c := range listeners {
				c <- conf
			}
		}
	}
	return nil
}

func (ch *fakeChannel) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tag + 1
}

func deliveryFor(exchange, key string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            msg.Body,
	}
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, ok := b.queues[queue]
	if !ok {
		ch.closed = true
		return amqp.Delivery{}, false, notFound("no queue '%s' in vhost '/'", queue)
	}
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := msgs[0]
	b.queues[queue] = msgs[1:]
	d.MessageCount = uint32(len(msgs) - 1)
	return d, true, nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if queue == DirectReplyTo {
		d := make(chan amqp.Delivery, 4)
		ch.consumers[DirectReplyTo] = d
		return d, nil
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.queues[queue]
	if !ok {
		ch.closed = true
		return nil, notFound("no queue '%s' in vhost '/'", queue)
	}
	sub := &fakeSub{ch: ch, tag: consumer, autoAck: autoAck, deliveries: make(chan amqp.Delivery, 64)}
	b.subs[queue] = append(b.subs[queue], sub)
	b.queues[queue] = nil
	for _, d := range pending {
		b.push(queue, d)
	}
	return sub.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.consumers, DirectReplyTo)

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribe(func(sub *fakeSub) bool { return sub.ch == ch && sub.tag == consumer })
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	_, ok := b.exchanges[name]
	b.mu.Unlock()
	if !ok {
		ch.fail()
		return notFound("no exchange '%s' in vhost '/'", name)
	}
	return nil
}

func (ch *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	_, ok := b.exchanges[name]
	delete(b.exchanges, name)
	b.mu.Unlock()
	if !ok {
		ch.fail()
		return notFound("no exchange '%s' in vhost '/'", name)
	}
	return nil
}

func (ch *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, fakeBinding{destination: destination, exchange: source, key: key, toExchange: true})
	return nil
}

func (ch *fakeChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	ch.conn.broker.unbind(fakeBinding{destination: destination, exchange: source, key: key, toExchange: true})
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.queueCounter++
		name = fmt.Sprintf("amq.gen-%d", b.queueCounter)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	msgs, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		ch.fail()
		return amqp.Queue{}, notFound("no queue '%s' in vhost '/'", name)
	}
	return amqp.Queue{Name: name, Messages: len(msgs)}, nil
}

func (ch *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[name])
	delete(b.queues, name)
	return n, nil
}

func (ch *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[name])
	b.queues[name] = nil
	return n, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		return notFound("no queue '%s' in vhost '/'", name)
	}
	b.bindings = append(b.bindings, fakeBinding{destination: name, exchange: exchange, key: key})
	return nil
}

func (ch *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	ch.conn.broker.unbind(fakeBinding{destination: name, exchange: exchange, key: key})
	return nil
}

func (b *fakeBroker) unbind(target fakeBinding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd != target {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

// fail closes the channel the way a channel exception does
func (ch *fakeChannel) fail() {
	_ = ch.Close()
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribe(func(sub *fakeSub) bool { return sub.ch == ch })
	return nil
}

// newTestFactory builds a factory that dials the fake broker
func newTestFactory(t *testing.T, broker *fakeBroker) *CachingConnectionFactory {
	t.Helper()
	bean := NewConnectionFactoryBean()
	if err := bean.Initialize(); err != nil {
		t.Fatalf("initialize bean: %v", err)
	}
	params, err := bean.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	f := NewCachingConnectionFactory(params, WithDialer(broker.dial))
	t.Cleanup(func() { _ = f.Close() })
	return f
}
