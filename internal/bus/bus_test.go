package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, domain.TopicDecision, []byte("hello")))

		select {
		case msg := <-received:
			assert.Equal(t, "hello", string(msg.Payload))
			assert.Equal(t, domain.TopicDecision, msg.Topic)
			assert.NotEmpty(t, msg.ID)
			assert.Empty(t, msg.ReplyTo)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var flagged, decided atomic.Int32

		bus.Subscribe(ctx, "isolation.flagged", func(ctx context.Context, msg *domain.Message) error {
			flagged.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "isolation.decided", func(ctx context.Context, msg *domain.Message) error {
			decided.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.flagged", []byte("msg1"))

		assert.Eventually(t, func() bool { return flagged.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), decided.Load())
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, sub.Unsubscribe())

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))

		assert.Eventually(t, func() bool {
			return count1.Load() == 1 && count2.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("RequestReply", func(t *testing.T) {
		_, err := bus.Subscribe(ctx, domain.TopicScoreRequest, func(ctx context.Context, msg *domain.Message) error {
			return bus.Reply(ctx, msg, append([]byte("echo:"), msg.Payload...))
		})
		require.NoError(t, err)

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, domain.TopicScoreRequest, []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, "echo:ping", string(reply))
	})

	t.Run("RequestWithoutResponder", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := bus.Request(reqCtx, "nobody.listens", []byte("ping"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("ReplyWithoutReplyTopic", func(t *testing.T) {
		err := bus.Reply(ctx, &domain.Message{ID: "m-1"}, []byte("x"))
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, bus.Ping(ctx))
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, err := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "my.topic", sub.Topic())
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(ctx, "close.topic", []byte("data")))
	assert.Error(t, bus.Ping(ctx))

	_, err := bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	assert.Error(t, err)
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		require.NoError(t, err)
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		assert.True(t, ok)
	})

	t.Run("NoneType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "none"})
		require.NoError(t, err)
		assert.Nil(t, bus)
	})

	t.Run("KafkaRequiresBrokers", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		assert.Error(t, err)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "carrier-pigeon"})
		assert.Error(t, err)
	})
}

func TestKafkaBusRequestUnsupported(t *testing.T) {
	bus, err := NewKafkaBus(domain.EventBusConfig{KafkaBrokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	defer bus.Close()

	_, err = bus.Request(context.Background(), domain.TopicScoreRequest, nil)
	assert.ErrorIs(t, err, ErrRequestUnsupported)
	assert.ErrorIs(t, bus.Reply(context.Background(), &domain.Message{}, nil), ErrRequestUnsupported)
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, int32(messageCount), received.Load())
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
