package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/hotstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFields(t *testing.T) {
	values, err := encodeFields(map[string]any{
		"content":  "hello",
		"tokens":   map[string]any{"total_tokens": 3},
		"count":    2,
		"optional": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", values["content"])
	assert.Equal(t, `{"total_tokens":3}`, values["tokens"])
	assert.Equal(t, "2", values["count"])
	assert.NotContains(t, values, "optional")

	_, err = encodeFields(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	s := New(nil, WithPrefix("p:"))
	assert.Equal(t, "p:chat_sessions/s1/messages/e1", s.Key("chat_sessions", "s1/messages/e1"))
}

func TestValidation(t *testing.T) {
	s := New(nil)
	err := s.UpsertDocument(context.Background(), "", "id", nil)
	assert.ErrorIs(t, err, hotstore.ErrEmptyCollection)
}

func TestRedis_Upsert(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	s := New(client, WithPrefix("fanout-test-"+uuid.NewString()+":"), WithTTL(time.Minute))
	defer client.Del(ctx, s.Key("c", "d"))

	require.NoError(t, s.UpsertDocument(ctx, "c", "d", map[string]any{"a": "1", "b": 2}))
	require.NoError(t, s.UpsertDocument(ctx, "c", "d", map[string]any{"a": "3"}))

	doc, err := s.GetDocument(ctx, "c", "d")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "3"}, doc)

	ttl, err := client.TTL(ctx, s.Key("c", "d")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
