// Package redisstream implements channel.Bus on Redis Streams.
//
// Each topic is a stream. Publishing is XADD with the payload under the
// "data" field and every attribute under "attr:<name>". Subscribers join a
// consumer group: a message is acknowledged with XACK when its handler
// succeeds and otherwise stays pending until XAUTOCLAIM hands it out again.
// Messages claimed MaxDeliveries times are copied to "<stream>:dead" and
// acknowledged.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/worker"
	"github.com/redis/go-redis/v9"
)

const (
	dataField       = "data"
	attrFieldPrefix = "attr:"
	publishedField  = "published_at"
	deadSuffix      = ":dead"
)

// Config tunes a Bus.
type Config struct {
	// StreamPrefix is prepended to topic names.
	StreamPrefix string
	// Group is the consumer group shared by competing subscribers.
	Group string
	// Consumer names this process inside the group.
	Consumer string
	// MaxLen caps stream length (approximate trimming). Zero disables trimming.
	MaxLen int64
	// Block is how long XREADGROUP waits for new messages.
	Block time.Duration
	// Count is the maximum messages read per call.
	Count int64
	// ClaimIdle is how long a message stays pending before redelivery.
	ClaimIdle time.Duration
	// MaxDeliveries moves a message to the dead-letter stream after this many attempts.
	MaxDeliveries int64
	// PoolSize bounds concurrent XADD calls.
	PoolSize int
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		StreamPrefix:  "fanout:",
		Group:         "fanout",
		Consumer:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		MaxLen:        100000,
		Block:         2 * time.Second,
		Count:         16,
		ClaimIdle:     30 * time.Second,
		MaxDeliveries: 5,
		PoolSize:      64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StreamPrefix == "" {
		c.StreamPrefix = d.StreamPrefix
	}
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.Count <= 0 {
		c.Count = d.Count
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = d.ClaimIdle
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	return c
}

// Bus implements channel.Bus on a Redis client.
type Bus struct {
	client redis.UniversalClient
	cfg    Config
	pool   *worker.Pool
	logger *slog.Logger
	done   chan struct{}
}

var _ channel.Bus = (*Bus)(nil)

// New creates a Bus. The client stays owned by the caller.
func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis-stream")
	cfg = cfg.withDefaults()

	pool, err := worker.NewNonblockingPool("redis-publish", cfg.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	return &Bus{
		client: client,
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

func (b *Bus) stream(topic string) string {
	return b.cfg.StreamPrefix + topic
}

// Publish XADDs the message from a pool worker. A saturated pool resolves the
// result as failed.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) *channel.PublishResult {
	if topic == "" {
		return channel.Failed(channel.ErrEmptyTopic)
	}
	select {
	case <-b.done:
		return channel.Failed(channel.ErrClosed)
	default:
	}

	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: encodeValues(data, attrs, time.Now().UTC()),
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	res := channel.NewPublishResult()
	err := b.pool.Go(func() {
		id, err := b.client.XAdd(ctx, args).Result()
		if err != nil {
			res.Resolve("", fmt.Errorf("xadd %s: %w", args.Stream, err))
			return
		}
		res.Resolve(id, nil)
	})
	if err != nil {
		return channel.Failed(err)
	}
	return res
}

// Subscribe consumes topic as a member of the configured group.
func (b *Bus) Subscribe(ctx context.Context, topic string, h channel.Handler) error {
	if topic == "" {
		return channel.ErrEmptyTopic
	}
	stream := b.stream(topic)
	logger := b.logger.With("stream", stream, "group", b.cfg.Group, "consumer", b.cfg.Consumer)

	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}
	logger.Debug("subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		default:
		}

		claimed, err := b.claim(ctx, stream)
		if err != nil {
			if done, stopErr := shutdown(ctx, err); done {
				return stopErr
			}
			logger.Warn("claim pending failed", "err", err)
		}
		for _, msg := range claimed {
			if err := b.handle(ctx, logger, stream, topic, msg, true, h); err != nil {
				return err
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.cfg.Count,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if done, stopErr := shutdown(ctx, err); done {
				return stopErr
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			logger.Warn("read failed", "err", err)
			if !sleep(ctx, b.cfg.Block) {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if err := b.handle(ctx, logger, stream, topic, msg, false, h); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.cfg.Group, stream, err)
	}
	return nil
}

func (b *Bus) claim(ctx context.Context, stream string) ([]redis.XMessage, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    b.cfg.Count,
	}).Result()
	return msgs, err
}

// handle runs h on one stream entry. Only a fatal handler error is returned.
func (b *Bus) handle(ctx context.Context, logger *slog.Logger, stream, topic string, xm redis.XMessage, claimed bool, h channel.Handler) error {
	msg := decodeMessage(topic, xm)
	msg.DeliveryAttempt = 1
	if claimed {
		msg.DeliveryAttempt = b.deliveryCount(ctx, stream, xm.ID)
		if int64(msg.DeliveryAttempt) > b.cfg.MaxDeliveries {
			b.deadLetter(ctx, logger, stream, xm)
			return nil
		}
	}

	err := safeHandle(ctx, h, msg)
	switch {
	case err == nil:
		if err := b.client.XAck(ctx, stream, b.cfg.Group, xm.ID).Err(); err != nil {
			logger.Warn("ack failed", "message_id", xm.ID, "err", err)
		}
		return nil
	case channel.IsFatal(err):
		logger.Error("handler failed fatally, stopping subscription", "message_id", xm.ID, "err", err)
		return err
	default:
		logger.Debug("handler failed, message left pending", "message_id", xm.ID, "attempt", msg.DeliveryAttempt, "err", err)
		return nil
	}
}

func (b *Bus) deliveryCount(ctx context.Context, stream, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (b *Bus) deadLetter(ctx context.Context, logger *slog.Logger, stream string, xm redis.XMessage) {
	values := make(map[string]any, len(xm.Values)+1)
	for k, v := range xm.Values {
		values[k] = v
	}
	values["source_id"] = xm.ID
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream + deadSuffix, Values: values}).Err(); err != nil {
		logger.Error("dead-letter failed, message left pending", "message_id", xm.ID, "err", err)
		return
	}
	if err := b.client.XAck(ctx, stream, b.cfg.Group, xm.ID).Err(); err != nil {
		logger.Warn("ack of dead-lettered message failed", "message_id", xm.ID, "err", err)
	}
	logger.Warn("message dead-lettered", "message_id", xm.ID)
}

// Close stops subscriptions and waits for in-flight publishes.
func (b *Bus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	return b.pool.Release(5 * time.Second)
}

func encodeValues(data []byte, attrs map[string]string, now time.Time) map[string]any {
	values := make(map[string]any, len(attrs)+2)
	values[dataField] = string(data)
	values[publishedField] = now.Format(time.RFC3339Nano)
	for k, v := range attrs {
		values[attrFieldPrefix+k] = v
	}
	return values
}

func decodeMessage(topic string, xm redis.XMessage) *channel.Message {
	msg := &channel.Message{
		ID:         xm.ID,
		Topic:      topic,
		Attributes: make(map[string]string),
	}
	for k, v := range xm.Values {
		s := fmt.Sprint(v)
		switch {
		case k == dataField:
			msg.Data = []byte(s)
		case k == publishedField:
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.PublishedAt = ts
			}
		case strings.HasPrefix(k, attrFieldPrefix):
			msg.Attributes[strings.TrimPrefix(k, attrFieldPrefix)] = s
		}
	}
	return msg
}

func safeHandle(ctx context.Context, h channel.Handler, msg *channel.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// shutdown reports whether err means the subscription should end, and what
// Subscribe returns if so.
func shutdown(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return true, channel.ErrClosed
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
