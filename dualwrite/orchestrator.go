package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/hotstore"
	"github.com/poiesic/fanout/metrics"
	"github.com/poiesic/fanout/worker"
)

// Switches turn the two paths on and off. Disabled steps count as success.
type Switches struct {
	// Enabled gates the whole dual write; when off only the hot path runs.
	Enabled bool
	// HotPathEnabled gates the hot store write.
	HotPathEnabled bool
	// ColdPathEnabled gates the durable channel path.
	ColdPathEnabled bool
	// PublishEnabled sends the cold-path message; when off it is built and
	// logged only.
	PublishEnabled bool
}

// AllEnabled returns switches with every path on.
func AllEnabled() Switches {
	return Switches{Enabled: true, HotPathEnabled: true, ColdPathEnabled: true, PublishEnabled: true}
}

// PublisherFactory builds the channel publisher on first use.
type PublisherFactory func() (channel.Publisher, error)

// Orchestrator performs the dual write. It is safe for concurrent use.
type Orchestrator struct {
	hot            hotstore.Store
	collection     string
	topic          string
	hotTimeout     time.Duration
	publishTimeout time.Duration
	switches       Switches
	recorder       *metrics.Recorder
	logger         *slog.Logger
	pool           *worker.Pool
	poolSize       int

	mu        sync.Mutex
	publisher channel.Publisher
	factory   PublisherFactory
	owned     bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithPublisher injects the channel publisher. The caller keeps ownership.
func WithPublisher(p channel.Publisher) Option {
	return func(o *Orchestrator) error {
		o.publisher = p
		return nil
	}
}

// WithPublisherFactory builds the publisher lazily on the first publish.
// A failed build is retried on the next call. The Orchestrator closes a
// publisher it built.
func WithPublisherFactory(f PublisherFactory) Option {
	return func(o *Orchestrator) error {
		o.factory = f
		return nil
	}
}

// WithSwitches sets the path switches. Default is AllEnabled().
func WithSwitches(s Switches) Option {
	return func(o *Orchestrator) error {
		o.switches = s
		return nil
	}
}

// WithCollection sets the hot store collection. Default is "chat_sessions".
func WithCollection(name string) Option {
	return func(o *Orchestrator) error {
		if name == "" {
			return hotstore.ErrEmptyCollection
		}
		o.collection = name
		return nil
	}
}

// WithTopic sets the events topic. Default is "events".
func WithTopic(topic string) Option {
	return func(o *Orchestrator) error {
		if topic == "" {
			return channel.ErrEmptyTopic
		}
		o.topic = topic
		return nil
	}
}

// WithTimeouts bounds the hot write and the publish.
// Defaults are 5s and 10s.
func WithTimeouts(hot, publish time.Duration) Option {
	return func(o *Orchestrator) error {
		if hot <= 0 || publish <= 0 {
			return fmt.Errorf("timeouts must be positive, got %s and %s", hot, publish)
		}
		o.hotTimeout = hot
		o.publishTimeout = publish
		return nil
	}
}

// WithPoolSize sets the number of goroutines awaiting publish results.
func WithPoolSize(size int) Option {
	return func(o *Orchestrator) error {
		o.poolSize = size
		return nil
	}
}

// WithMetrics records write and publish counters.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *Orchestrator) error {
		o.recorder = recorder
		return nil
	}
}

// New creates an Orchestrator writing chat messages to hot.
func New(hot hotstore.Store, opts ...Option) (*Orchestrator, error) {
	if hot == nil {
		return nil, errors.New("hot store required")
	}
	o := &Orchestrator{
		hot:            hot,
		collection:     "chat_sessions",
		topic:          "events",
		hotTimeout:     5 * time.Second,
		publishTimeout: 10 * time.Second,
		switches:       AllEnabled(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "dual-write")

	pool, err := worker.NewNonblockingPool("publish-callbacks", o.poolSize, o.logger)
	if err != nil {
		return nil, err
	}
	o.pool = pool
	return o, nil
}

// DocumentID returns the hot store id of a chat message.
func DocumentID(sessionID, eventID string) string {
	return sessionID + "/messages/" + eventID
}

// WriteEvent writes event to the hot store when it is a chat message and
// publishes it to the events topic. It returns the hot path outcome.
func (o *Orchestrator) WriteEvent(ctx context.Context, event *core.Event) bool {
	if err := core.ValidateEvent(event); err != nil {
		o.logger.Error("event rejected", "err", err)
		return false
	}
	logger := o.logger.With("event_id", event.EventID, "event_type", event.EventType, "session_id", event.SessionID)

	ok := true
	if o.switches.HotPathEnabled && event.EventType == core.EventTypeMessageSent {
		ok = o.writeHot(ctx, logger, event)
	}
	if o.coldPathOn() {
		o.publishCold(ctx, logger, event, map[string]string{
			"event_type": string(event.EventType),
			"session_id": event.SessionID,
		})
	}
	return ok
}

// WriteToolInvocation publishes a finished invocation to the events topic.
// Tool invocations are not mirrored to the hot store, so the result is false
// only for a nil invocation.
func (o *Orchestrator) WriteToolInvocation(ctx context.Context, inv *core.ToolInvocation) bool {
	if inv == nil {
		o.logger.Error("tool invocation rejected", "err", "invocation is nil")
		return false
	}
	logger := o.logger.With("invocation_id", inv.InvocationID, "tool_name", inv.ToolName, "session_id", inv.SessionID)

	if !o.coldPathOn() {
		return true
	}
	if !inv.Terminal() {
		logger.Warn("tool invocation still running, not published", "status", inv.Status)
		return true
	}
	o.publishCold(ctx, logger, inv, map[string]string{
		"event_type": string(core.EventTypeToolInvocation),
		"session_id": inv.SessionID,
	})
	return true
}

func (o *Orchestrator) coldPathOn() bool {
	return o.switches.Enabled && o.switches.ColdPathEnabled
}

func (o *Orchestrator) writeHot(ctx context.Context, logger *slog.Logger, event *core.Event) bool {
	ctx, cancel := context.WithTimeout(ctx, o.hotTimeout)
	defer cancel()

	err := o.hot.UpsertDocument(ctx, o.collection, DocumentID(event.SessionID, event.EventID), hotFields(event))
	o.recorder.HotWrite(ctx, metrics.Outcome(err))
	if err != nil {
		logger.Error("hot store write failed", "collection", o.collection, "err", err)
		return false
	}
	return true
}

func hotFields(event *core.Event) map[string]any {
	fields := map[string]any{
		"event_id":   event.EventID,
		"event_type": string(event.EventType),
		"session_id": event.SessionID,
		"user_id":    event.UserID,
		"timestamp":  event.Timestamp,
	}
	if event.Role != "" {
		fields["role"] = string(event.Role)
	}
	if event.Content != "" {
		fields["content"] = event.Content
	}
	if event.Metadata != nil {
		fields["metadata"] = event.Metadata
	}
	if event.TokenUsage != nil {
		fields["token_usage"] = *event.TokenUsage
	}
	if event.ClientInfo != nil {
		fields["client_info"] = event.ClientInfo
	}
	return fields
}

// publishCold runs the cold path. It never panics and never reports failure
// to the caller.
func (o *Orchestrator) publishCold(ctx context.Context, logger *slog.Logger, value any, attrs map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cold path panicked", "panic", r)
			o.recorder.Publish(ctx, o.topic, metrics.OutcomeFailure)
		}
	}()

	data, err := json.Marshal(value)
	if err != nil {
		logger.Error("cold path encode failed", "err", err)
		o.recorder.Publish(ctx, o.topic, metrics.OutcomeFailure)
		return
	}

	if !o.switches.PublishEnabled {
		logger.Info("publish disabled, cold path message not sent", "topic", o.topic, "bytes", len(data), "attributes", attrs)
		o.recorder.Publish(ctx, o.topic, metrics.OutcomeSkipped)
		return
	}

	publisher, err := o.getPublisher()
	if err != nil {
		logger.Error("publisher unavailable", "err", err)
		o.recorder.Publish(ctx, o.topic, metrics.OutcomeFailure)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
	res := publisher.Publish(pubCtx, o.topic, data, attrs)

	err = o.pool.Go(func() {
		defer cancel()
		id, err := res.Get(pubCtx)
		o.recorder.Publish(pubCtx, o.topic, metrics.Outcome(err))
		if err != nil {
			logger.Warn("cold path publish failed", "topic", o.topic, "err", err)
			return
		}
		logger.Debug("cold path published", "topic", o.topic, "message_id", id)
	})
	if err != nil {
		logger.Warn("publish result not observed", "topic", o.topic, "err", err)
		go func() {
			defer cancel()
			select {
			case <-res.Ready():
			case <-pubCtx.Done():
			}
		}()
	}
}

// getPublisher returns the injected publisher or builds one. Only one build
// runs at a time and a failed build is retried on the next call.
func (o *Orchestrator) getPublisher() (channel.Publisher, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.publisher != nil {
		return o.publisher, nil
	}
	if o.factory == nil {
		return nil, errors.New("no publisher configured")
	}
	p, err := o.factory()
	if err != nil {
		return nil, fmt.Errorf("build publisher: %w", err)
	}
	if p == nil {
		return nil, errors.New("build publisher: factory returned nil")
	}
	o.publisher = p
	o.owned = true
	return p, nil
}

// Close waits for outstanding publish results and closes a publisher the
// Orchestrator built itself.
func (o *Orchestrator) Close() error {
	err := o.pool.Release(o.publishTimeout)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owned && o.publisher != nil {
		err = errors.Join(err, o.publisher.Close())
		o.publisher = nil
		o.owned = false
	}
	return err
}
