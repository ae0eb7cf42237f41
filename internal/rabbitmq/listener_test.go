package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-boot/messaging"
)

const waitFor = 2 * time.Second

// startContainer starts c and stops it when the test ends
func startContainer(t *testing.T, c *ListenerContainer) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
}

func received(t *testing.T, got <-chan any) any {
	t.Helper()
	select {
	case v := <-got:
		return v
	case <-time.After(waitFor):
		t.Fatal("no message delivered to the listener")
		return nil
	}
}

func TestListenerContainerFactory(t *testing.T) {
	t.Run("new factory has listener defaults", func(t *testing.T) {
		lf := NewListenerContainerFactory(newTestFactory(t, newFakeBroker()))

		assert.Equal(t, AckModeAuto, lf.AcknowledgeMode())
		assert.Equal(t, DefaultConcurrency, lf.Concurrency())
		assert.Equal(t, DefaultPrefetch, lf.Prefetch())
		assert.True(t, lf.DefaultRequeueRejected())
		assert.Equal(t, DefaultRecoveryInterval, lf.RecoveryInterval())
		assert.IsType(t, &messaging.SimpleMessageConverter{}, lf.MessageConverter())
	})

	t.Run("out of range settings are ignored", func(t *testing.T) {
		lf := NewListenerContainerFactory(newTestFactory(t, newFakeBroker()))
		lf.SetConcurrency(0)
		lf.SetPrefetch(-1)
		lf.SetRecoveryInterval(0)
		lf.SetMessageConverter(nil)

		assert.Equal(t, DefaultConcurrency, lf.Concurrency())
		assert.Equal(t, DefaultPrefetch, lf.Prefetch())
		assert.Equal(t, DefaultRecoveryInterval, lf.RecoveryInterval())
		assert.NotNil(t, lf.MessageConverter())
	})

	t.Run("container needs a listener and a queue", func(t *testing.T) {
		lf := NewListenerContainerFactory(newTestFactory(t, newFakeBroker()))
		noop := func(context.Context, *Delivery) error { return nil }

		_, err := lf.CreateListenerContainer(nil, "work")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = lf.CreateListenerContainer(noop, " ", "")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		assert.ErrorIs(t, err, ErrNoDestination)
	})

	t.Run("containers keep the settings they were created with", func(t *testing.T) {
		lf := NewListenerContainerFactory(newTestFactory(t, newFakeBroker()))
		lf.SetAcknowledgeMode(AckModeManual)

		c, err := lf.CreateListenerContainer(func(context.Context, *Delivery) error { return nil }, "a", "b")
		require.NoError(t, err)
		lf.SetAcknowledgeMode(AckModeNone)

		assert.Equal(t, AckModeManual, c.AcknowledgeMode())
		assert.Equal(t, []string{"a", "b"}, c.Queues())
		assert.False(t, c.IsRunning())
	})
}

func TestParseAcknowledgeMode(t *testing.T) {
	for in, want := range map[string]AcknowledgeMode{"auto": AckModeAuto, "MANUAL": AckModeManual, " none ": AckModeNone} {
		got, err := ParseAcknowledgeMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAcknowledgeMode("batch")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestListenerContainer(t *testing.T) {
	ctx := context.Background()

	t.Run("auto mode acks after the listener succeeds", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)

		got := make(chan any, 1)
		c, err := NewListenerContainerFactory(f).CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			v, err := d.Payload()
			got <- v
			return err
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "hello"))

		assert.Equal(t, "hello", received(t, got))
		require.Eventually(t, func() bool { return len(broker.ackedTags()) == 1 }, waitFor, 5*time.Millisecond)
		assert.Empty(t, broker.nacked())
		assert.True(t, c.IsRunning())
	})

	t.Run("messages queued before start are delivered", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)
		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "early"))

		got := make(chan any, 1)
		c, err := NewListenerContainerFactory(f).CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			got <- string(d.Body)
			return nil
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		assert.Equal(t, "early", received(t, got))
	})

	t.Run("listener errors requeue by default", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)

		c, err := NewListenerContainerFactory(f).CreateListenerContainer(func(context.Context, *Delivery) error {
			return errors.New("boom")
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "fails"))

		require.Eventually(t, func() bool { return len(broker.nacked()) == 1 }, waitFor, 5*time.Millisecond)
		assert.True(t, broker.nacked()[0].requeue)
		assert.Empty(t, broker.ackedTags())
	})

	t.Run("reject and don't requeue wins over the default", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)

		c, err := NewListenerContainerFactory(f).CreateListenerContainer(func(context.Context, *Delivery) error {
			return fmt.Errorf("poison message: %w", ErrRejectAndDontRequeue)
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "poison"))

		require.Eventually(t, func() bool { return len(broker.nacked()) == 1 }, waitFor, 5*time.Millisecond)
		assert.False(t, broker.nacked()[0].requeue)
	})

	t.Run("requeue can be disabled for every rejection", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)
		lf := NewListenerContainerFactory(f)
		lf.SetDefaultRequeueRejected(false)

		c, err := lf.CreateListenerContainer(func(context.Context, *Delivery) error {
			panic("listener bug")
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "x"))

		require.Eventually(t, func() bool { return len(broker.nacked()) == 1 }, waitFor, 5*time.Millisecond)
		assert.False(t, broker.nacked()[0].requeue)
		assert.Equal(t, 1, c.ActiveConsumers())
	})

	t.Run("manual mode leaves acknowledgement to the listener", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)
		lf := NewListenerContainerFactory(f)
		lf.SetAcknowledgeMode(AckModeManual)

		c, err := lf.CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			if string(d.Body) == "keep" {
				return d.Ack()
			}
			return d.Nack(false)
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		tmpl := NewTemplate(f)
		require.NoError(t, tmpl.ConvertAndSend(ctx, "", "work", "keep"))
		require.NoError(t, tmpl.ConvertAndSend(ctx, "", "work", "drop"))

		require.Eventually(t, func() bool {
			return len(broker.ackedTags()) == 1 && len(broker.nacked()) == 1
		}, waitFor, 5*time.Millisecond)
		assert.False(t, broker.nacked()[0].requeue)
	})

	t.Run("acknowledging outside manual mode fails", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)

		ackErr := make(chan error, 1)
		c, err := NewListenerContainerFactory(f).CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			ackErr <- d.Ack()
			return nil
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "x"))

		select {
		case err := <-ackErr:
			assert.ErrorIs(t, err, ErrManualAckRequired)
		case <-time.After(waitFor):
			t.Fatal("listener not called")
		}
	})

	t.Run("none mode consumes with auto-ack and no qos", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)
		lf := NewListenerContainerFactory(f)
		lf.SetAcknowledgeMode(AckModeNone)

		got := make(chan any, 1)
		c, err := lf.CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			got <- string(d.Body)
			return errors.New("ignored")
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "fire and forget"))
		assert.Equal(t, "fire and forget", received(t, got))

		subs := broker.subscribers("work")
		require.Len(t, subs, 1)
		assert.True(t, subs[0].autoAck)
		assert.Zero(t, subs[0].ch.prefetchCount())
		assert.Empty(t, broker.nacked())
	})

	t.Run("concurrency and prefetch apply to every consumer", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("a")
		broker.addQueue("b")
		lf := NewListenerContainerFactory(newTestFactory(t, broker))
		lf.SetConcurrency(3)
		lf.SetPrefetch(10)

		c, err := lf.CreateListenerContainer(func(context.Context, *Delivery) error { return nil }, "a", "b")
		require.NoError(t, err)
		startContainer(t, c)

		require.Eventually(t, func() bool { return c.ActiveConsumers() == 6 }, waitFor, 5*time.Millisecond)
		for _, q := range []string{"a", "b"} {
			subs := broker.subscribers(q)
			require.Len(t, subs, 3, q)
			for _, sub := range subs {
				assert.Equal(t, 10, sub.ch.prefetchCount())
				assert.False(t, sub.autoAck)
			}
		}
	})

	t.Run("payloads are converted with the factory converter", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("orders")
		f := newTestFactory(t, broker)

		types := messaging.NewTypeRegistry()
		require.NoError(t, types.Register("order.placed", orderPlaced{}))
		converter := messaging.NewJSONMessageConverter(messaging.WithTypeRegistry(types))

		lf := NewListenerContainerFactory(f)
		lf.SetMessageConverter(converter)

		got := make(chan any, 1)
		c, err := lf.CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			v, err := d.Payload()
			got <- v
			return err
		}, "orders")
		require.NoError(t, err)
		startContainer(t, c)

		tmpl := NewTemplate(f)
		tmpl.SetMessageConverter(converter)
		require.NoError(t, tmpl.ConvertAndSend(ctx, "", "orders", &orderPlaced{OrderID: "7", Amount: 3}))

		assert.Equal(t, &orderPlaced{OrderID: "7", Amount: 3}, received(t, got))
	})

	t.Run("missing queue stops the consumer with a configuration error", func(t *testing.T) {
		broker := newFakeBroker()
		lf := NewListenerContainerFactory(newTestFactory(t, broker))
		lf.SetRecoveryInterval(5 * time.Millisecond)

		c, err := lf.CreateListenerContainer(func(context.Context, *Delivery) error { return nil }, "absent")
		require.NoError(t, err)
		startContainer(t, c)

		require.Eventually(t, func() bool { return c.Err() != nil }, waitFor, 5*time.Millisecond)
		assert.ErrorIs(t, c.Err(), ErrInvalidConfiguration)
		assert.True(t, IsFatal(c.Err()))

		var consumerErr *ConsumerError
		require.ErrorAs(t, c.Err(), &consumerErr)
		assert.Equal(t, "absent", consumerErr.Queue)
		assert.Zero(t, c.ActiveConsumers())
	})

	t.Run("consumer subscribes again after the connection drops", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		f := newTestFactory(t, broker)
		lf := NewListenerContainerFactory(f)
		lf.SetRecoveryInterval(10 * time.Millisecond)

		got := make(chan any, 1)
		c, err := lf.CreateListenerContainer(func(_ context.Context, d *Delivery) error {
			got <- string(d.Body)
			return nil
		}, "work")
		require.NoError(t, err)
		startContainer(t, c)

		require.Eventually(t, func() bool { return c.ActiveConsumers() == 1 }, waitFor, 5*time.Millisecond)
		broker.mu.Lock()
		first := broker.conns[0]
		broker.mu.Unlock()
		first.drop("forced by test")

		require.Eventually(t, func() bool {
			return broker.dialCount() == 2 && len(broker.subscribers("work")) == 1
		}, waitFor, 5*time.Millisecond)

		require.NoError(t, NewTemplate(f).ConvertAndSend(ctx, "", "work", "after recovery"))
		assert.Equal(t, "after recovery", received(t, got))
	})

	t.Run("stop cancels consumers and start can run again", func(t *testing.T) {
		broker := newFakeBroker()
		broker.addQueue("work")
		lf := NewListenerContainerFactory(newTestFactory(t, broker))

		c, err := lf.CreateListenerContainer(func(context.Context, *Delivery) error { return nil }, "work")
		require.NoError(t, err)

		require.NoError(t, c.Start(ctx))
		assert.ErrorIs(t, c.Start(ctx), ErrContainerRunning)
		require.Eventually(t, func() bool { return c.ActiveConsumers() == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, c.Stop())
		assert.False(t, c.IsRunning())
		assert.Zero(t, c.ActiveConsumers())
		assert.Empty(t, broker.subscribers("work"))
		require.NoError(t, c.Stop())

		require.NoError(t, c.Start(ctx))
		require.Eventually(t, func() bool { return c.ActiveConsumers() == 1 }, waitFor, 5*time.Millisecond)
		require.NoError(t, c.Close())
	})
}
