package redisstream

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/channel"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	values := encodeValues([]byte(`{"event_id":"e1"}`), map[string]string{
		"event_type": "message_sent",
		"session_id": "s1",
	}, now)

	assert.Equal(t, `{"event_id":"e1"}`, values[dataField])
	assert.Equal(t, "message_sent", values["attr:event_type"])

	msg := decodeMessage("events", redis.XMessage{ID: "1-0", Values: values})
	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, "events", msg.Topic)
	assert.Equal(t, `{"event_id":"e1"}`, string(msg.Data))
	assert.Equal(t, "message_sent", msg.Attribute("event_type"))
	assert.Equal(t, "s1", msg.Attribute("session_id"))
	assert.True(t, now.Equal(msg.PublishedAt))
	assert.Len(t, msg.Attributes, 2)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Group: "workers"}.withDefaults()
	assert.Equal(t, "workers", cfg.Group)
	assert.Equal(t, "fanout:", cfg.StreamPrefix)
	assert.NotEmpty(t, cfg.Consumer)
	assert.Equal(t, int64(5), cfg.MaxDeliveries)
	assert.Equal(t, 30*time.Second, cfg.ClaimIdle)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestShutdown(t *testing.T) {
	done, err := shutdown(context.Background(), redis.ErrClosed)
	assert.True(t, done)
	assert.ErrorIs(t, err, channel.ErrClosed)

	done, _ = shutdown(context.Background(), errors.New("io timeout"))
	assert.False(t, done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done, err = shutdown(ctx, errors.New("whatever"))
	assert.True(t, done)
	assert.NoError(t, err)
}

// The remaining tests need a live server: set TEST_REDIS_ADDR.
func openTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	cfg.StreamPrefix = "fanout-test-" + uuid.NewString() + ":"
	bus, err := New(client, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		bus.Close()
		keys, _ := client.Keys(context.Background(), cfg.StreamPrefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	return bus
}

func TestRedis_PublishSubscribe(t *testing.T) {
	bus := openTestBus(t, Config{Block: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *channel.Message, 1)
	go bus.Subscribe(ctx, "events", func(ctx context.Context, msg *channel.Message) error {
		got <- msg
		return nil
	})

	id, err := bus.Publish(ctx, "events", []byte("hello"), map[string]string{"event_type": "message_sent"}).Get(ctx)
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "hello", string(msg.Data))
		assert.Equal(t, "message_sent", msg.Attribute("event_type"))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestRedis_RedeliveryAfterFailure(t *testing.T) {
	bus := openTestBus(t, Config{Block: 50 * time.Millisecond, ClaimIdle: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var attempts atomic.Int32
	succeeded := make(chan struct{})
	go bus.Subscribe(ctx, "events", func(ctx context.Context, msg *channel.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(succeeded)
		return nil
	})

	_, err := bus.Publish(ctx, "events", []byte("x"), nil).Get(ctx)
	require.NoError(t, err)

	select {
	case <-succeeded:
		assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	case <-ctx.Done():
		t.Fatal("message not redelivered")
	}
}
