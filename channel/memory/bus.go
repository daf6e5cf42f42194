// Package memory provides an in-process channel.Bus.
//
// It keeps the at-least-once contract of a real broker: a handler error
// redelivers the message after a delay, messages that keep failing are moved
// to a per-topic dead-letter list, and competing subscribers on one topic
// share its queue. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/worker"
)

const (
	defaultBufferSize      = 1024
	defaultMaxDeliveries   = 5
	defaultRedeliveryDelay = 50 * time.Millisecond
)

// Bus is an in-memory channel.Bus.
type Bus struct {
	logger          *slog.Logger
	pool            *worker.Pool
	poolSize        int
	bufferSize      int
	maxDeliveries   int
	redeliveryDelay time.Duration

	mu     sync.Mutex
	topics map[string]chan *channel.Message
	dead   map[string][]*channel.Message
	closed bool
	done   chan struct{}

	inflight atomic.Int64
}

var _ channel.Bus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// WithPoolSize sets the number of goroutines delivering publishes.
func WithPoolSize(size int) Option {
	return func(b *Bus) error {
		b.poolSize = size
		return nil
	}
}

// WithBufferSize sets the per-topic queue capacity.
func WithBufferSize(size int) Option {
	return func(b *Bus) error {
		if size < 1 {
			return fmt.Errorf("buffer size must be positive, got %d", size)
		}
		b.bufferSize = size
		return nil
	}
}

// WithMaxDeliveries sets how many times a message is attempted before it is
// dead-lettered.
func WithMaxDeliveries(n int) Option {
	return func(b *Bus) error {
		if n < 1 {
			return fmt.Errorf("max deliveries must be positive, got %d", n)
		}
		b.maxDeliveries = n
		return nil
	}
}

// WithRedeliveryDelay sets the wait before a failed message is requeued.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) error {
		b.redeliveryDelay = d
		return nil
	}
}

// NewBus creates an in-memory bus.
func NewBus(opts ...Option) (*Bus, error) {
	b := &Bus{
		logger:          slog.Default(),
		bufferSize:      defaultBufferSize,
		maxDeliveries:   defaultMaxDeliveries,
		redeliveryDelay: defaultRedeliveryDelay,
		topics:          make(map[string]chan *channel.Message),
		dead:            make(map[string][]*channel.Message),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	b.logger = b.logger.With("component", "memory-bus")

	pool, err := worker.NewNonblockingPool("memory-bus", b.poolSize, b.logger)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

// Publish enqueues data on topic and resolves the result once the message is
// queued. When the topic queue is full the wait happens on a pool worker; a
// saturated pool resolves the result as failed.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) *channel.PublishResult {
	if topic == "" {
		return channel.Failed(channel.ErrEmptyTopic)
	}
	if b.isClosed() {
		return channel.Failed(channel.ErrClosed)
	}

	msg := &channel.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Data:        append([]byte(nil), data...),
		Attributes:  channel.CloneAttributes(attrs),
		PublishedAt: time.Now().UTC(),
	}
	res := channel.NewPublishResult()

	b.inflight.Add(1)
	if b.tryEnqueue(msg) {
		return channel.Succeeded(msg.ID)
	}
	err := b.pool.Go(func() {
		if err := b.enqueue(ctx, msg); err != nil {
			b.inflight.Add(-1)
			res.Resolve("", err)
			return
		}
		res.Resolve(msg.ID, nil)
	})
	if err != nil {
		b.inflight.Add(-1)
		return channel.Failed(err)
	}
	return res
}

// Subscribe delivers messages of topic to h one at a time.
// Returns nil when ctx ends or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic string, h channel.Handler) error {
	if topic == "" {
		return channel.ErrEmptyTopic
	}
	if b.isClosed() {
		return channel.ErrClosed
	}
	q := b.queue(topic)
	logger := b.logger.With("topic", topic)
	logger.Debug("subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg := <-q:
			if err := b.deliver(ctx, logger, msg, h); err != nil {
				return err
			}
		}
	}
}

// deliver runs h on msg and settles it. Only a fatal handler error is returned.
func (b *Bus) deliver(ctx context.Context, logger *slog.Logger, msg *channel.Message, h channel.Handler) error {
	msg.DeliveryAttempt++
	err := safeHandle(ctx, h, msg)
	switch {
	case err == nil:
		b.inflight.Add(-1)
		return nil
	case channel.IsFatal(err):
		logger.Error("handler failed fatally, stopping subscription", "message_id", msg.ID, "err", err)
		msg.DeliveryAttempt--
		b.requeue(msg, 0)
		return err
	case msg.DeliveryAttempt >= b.maxDeliveries:
		logger.Warn("message dead-lettered", "message_id", msg.ID, "attempts", msg.DeliveryAttempt, "err", err)
		b.mu.Lock()
		b.dead[msg.Topic] = append(b.dead[msg.Topic], msg)
		b.mu.Unlock()
		b.inflight.Add(-1)
		return nil
	default:
		logger.Debug("handler failed, redelivering", "message_id", msg.ID, "attempt", msg.DeliveryAttempt, "err", err)
		b.requeue(msg, b.redeliveryDelay)
		return nil
	}
}

func (b *Bus) requeue(msg *channel.Message, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := b.enqueue(context.Background(), msg); err != nil {
			b.inflight.Add(-1)
		}
	})
}

func safeHandle(ctx context.Context, h channel.Handler, msg *channel.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) enqueue(ctx context.Context, msg *channel.Message) error {
	q := b.queue(msg.Topic)
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return channel.ErrClosed
	}
}

func (b *Bus) tryEnqueue(msg *channel.Message) bool {
	select {
	case b.queue(msg.Topic) <- msg:
		return true
	default:
		return false
	}
}

func (b *Bus) queue(topic string) chan *channel.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.topics[topic]
	if !ok {
		q = make(chan *channel.Message, b.bufferSize)
		b.topics[topic] = q
	}
	return q
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// DeadLetters returns the messages of topic that exhausted their deliveries.
func (b *Bus) DeadLetters(topic string) []*channel.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*channel.Message, len(b.dead[topic]))
	copy(out, b.dead[topic])
	return out
}

// Pending returns the number of messages queued on topic.
func (b *Bus) Pending(topic string) int {
	return len(b.queue(topic))
}

// InFlight returns the number of published messages not yet acknowledged
// or dead-lettered.
func (b *Bus) InFlight() int64 {
	return b.inflight.Load()
}

// WaitIdle blocks until every published message has been acknowledged or
// dead-lettered, or ctx ends.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops subscriptions and publishes. Queued messages are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	return b.pool.Release(time.Second)
}
