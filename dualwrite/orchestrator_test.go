package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/hotstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	data  []byte
	attrs map[string]string
}

// recordingPublisher records publishes and resolves them with err.
type recordingPublisher struct {
	mu     sync.Mutex
	msgs   []published
	err    error
	panics bool
	closed atomic.Bool
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) *channel.PublishResult {
	if p.panics {
		panic("broker client bug")
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, published{topic: topic, data: data, attrs: attrs})
	p.mu.Unlock()
	if p.err != nil {
		return channel.Failed(p.err)
	}
	return channel.Succeeded("id")
}

func (p *recordingPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// stalledPublisher hands out results that resolve only when release is called.
type stalledPublisher struct {
	mu      sync.Mutex
	pending []*channel.PublishResult
}

func (p *stalledPublisher) Publish(context.Context, string, []byte, map[string]string) *channel.PublishResult {
	res := channel.NewPublishResult()
	p.mu.Lock()
	p.pending = append(p.pending, res)
	p.mu.Unlock()
	return res
}

func (p *stalledPublisher) Close() error { return nil }

func (p *stalledPublisher) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range p.pending {
		res.Resolve("", errors.New("released"))
	}
	p.pending = nil
}

func (p *stalledPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

type failingStore struct{ err error }

func (s failingStore) UpsertDocument(context.Context, string, string, map[string]any) error {
	return s.err
}

func newOrchestrator(t *testing.T, hot hotstore.Store, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(hot, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestWriteEvent_MessageSent(t *testing.T) {
	hot := hotstore.NewMemory()
	pub := &recordingPublisher{}
	o := newOrchestrator(t, hot, WithPublisher(pub))

	event := core.NewUserMessage("s1", "u1", "hello", core.WithMetadata(map[string]any{"project_id": "p"}))
	assert.True(t, o.WriteEvent(context.Background(), event))

	doc, ok := hot.Get("chat_sessions", DocumentID("s1", event.EventID))
	require.True(t, ok)
	assert.Equal(t, "hello", doc["content"])
	assert.Equal(t, "user", doc["role"])

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "events", msgs[0].topic)
	assert.Equal(t, "message_sent", msgs[0].attrs["event_type"])
	assert.Equal(t, "s1", msgs[0].attrs["session_id"])

	var decoded core.Event
	require.NoError(t, json.Unmarshal(msgs[0].data, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
}

func TestWriteEvent_OnlyChatMessagesGoToHotStore(t *testing.T) {
	hot := hotstore.NewMemory()
	pub := &recordingPublisher{}
	o := newOrchestrator(t, hot, WithPublisher(pub))

	for _, et := range []core.EventType{core.EventTypeToolStart, core.EventTypeToolEnd, core.EventTypeError} {
		assert.True(t, o.WriteEvent(context.Background(), core.NewEvent(et, "s", "u")))
	}
	assert.Zero(t, hot.Count("chat_sessions"))
	assert.Len(t, pub.messages(), 3)
}

func TestWriteEvent_ColdPathFailureDoesNotChangeResult(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"publish fails", []Option{WithPublisher(&recordingPublisher{err: errors.New("broker down")})}},
		{"publish panics", []Option{WithPublisher(&recordingPublisher{panics: true})}},
		{"factory fails", []Option{WithPublisherFactory(func() (channel.Publisher, error) {
			return nil, errors.New("no credentials")
		})}},
		{"no publisher", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hot := hotstore.NewMemory()
			o := newOrchestrator(t, hot, tt.opts...)

			event := core.NewUserMessage("s", "u", "hi")
			assert.True(t, o.WriteEvent(context.Background(), event))
			assert.Equal(t, 1, hot.Count("chat_sessions"))

			assert.True(t, o.WriteToolInvocation(context.Background(), finishedInvocation(t)))
		})
	}
}

func TestWriteEvent_StalledChannelDoesNotBlock(t *testing.T) {
	hot := hotstore.NewMemory()
	pub := &stalledPublisher{}
	o := newOrchestrator(t, hot,
		WithPublisher(pub),
		WithPoolSize(1),
		WithTimeouts(time.Second, 2*time.Second),
	)
	t.Cleanup(pub.release)

	for i := range 4 {
		event := core.NewUserMessage("s1", "u1", "hello")
		start := time.Now()
		assert.True(t, o.WriteEvent(context.Background(), event), "write %d", i)
		assert.Less(t, time.Since(start), 500*time.Millisecond, "write %d waited on the channel", i)

		_, ok := hot.Get("chat_sessions", DocumentID("s1", event.EventID))
		assert.True(t, ok)
	}
	assert.Equal(t, 4, pub.count())
}

func TestWriteEvent_HotFailure(t *testing.T) {
	pub := &recordingPublisher{}
	o := newOrchestrator(t, failingStore{err: errors.New("timeout")}, WithPublisher(pub))

	assert.False(t, o.WriteEvent(context.Background(), core.NewUserMessage("s", "u", "hi")))
	assert.Len(t, pub.messages(), 1, "cold path runs regardless of the hot outcome")

	// Non-chat events never touch the hot store.
	assert.True(t, o.WriteEvent(context.Background(), core.NewEvent(core.EventTypeError, "s", "u")))
}

func TestWriteEvent_InvalidEvent(t *testing.T) {
	pub := &recordingPublisher{}
	o := newOrchestrator(t, hotstore.NewMemory(), WithPublisher(pub))

	assert.False(t, o.WriteEvent(context.Background(), nil))
	assert.False(t, o.WriteEvent(context.Background(), core.NewEvent("bogus", "s", "u")))
	assert.Empty(t, pub.messages())
}

func TestSwitches(t *testing.T) {
	ctx := context.Background()

	t.Run("dual write disabled skips cold path", func(t *testing.T) {
		hot := hotstore.NewMemory()
		pub := &recordingPublisher{}
		o := newOrchestrator(t, hot, WithPublisher(pub), WithSwitches(Switches{HotPathEnabled: true, ColdPathEnabled: true, PublishEnabled: true}))
		assert.True(t, o.WriteEvent(ctx, core.NewUserMessage("s", "u", "hi")))
		assert.Equal(t, 1, hot.Count("chat_sessions"))
		assert.Empty(t, pub.messages())
	})

	t.Run("hot path disabled counts as success", func(t *testing.T) {
		pub := &recordingPublisher{}
		o := newOrchestrator(t, failingStore{err: errors.New("down")}, WithPublisher(pub),
			WithSwitches(Switches{Enabled: true, ColdPathEnabled: true, PublishEnabled: true}))
		assert.True(t, o.WriteEvent(ctx, core.NewUserMessage("s", "u", "hi")))
		assert.Len(t, pub.messages(), 1)
	})

	t.Run("publish disabled builds but does not send", func(t *testing.T) {
		var built atomic.Int32
		o := newOrchestrator(t, hotstore.NewMemory(),
			WithPublisherFactory(func() (channel.Publisher, error) {
				built.Add(1)
				return &recordingPublisher{}, nil
			}),
			WithSwitches(Switches{Enabled: true, HotPathEnabled: true, ColdPathEnabled: true}))
		assert.True(t, o.WriteEvent(ctx, core.NewUserMessage("s", "u", "hi")))
		assert.Zero(t, built.Load())
	})

	t.Run("cold path disabled", func(t *testing.T) {
		pub := &recordingPublisher{}
		o := newOrchestrator(t, hotstore.NewMemory(), WithPublisher(pub),
			WithSwitches(Switches{Enabled: true, HotPathEnabled: true, PublishEnabled: true}))
		assert.True(t, o.WriteEvent(ctx, core.NewUserMessage("s", "u", "hi")))
		assert.True(t, o.WriteToolInvocation(ctx, finishedInvocation(t)))
		assert.Empty(t, pub.messages())
	})
}

func finishedInvocation(t *testing.T) *core.ToolInvocation {
	t.Helper()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inv := core.NewToolInvocation("s", "u", "search", core.WithStartedAt(start))
	require.NoError(t, inv.CompleteAt(start.Add(1500*time.Millisecond), "ok"))
	return inv
}

func TestWriteToolInvocation(t *testing.T) {
	hot := hotstore.NewMemory()
	pub := &recordingPublisher{}
	o := newOrchestrator(t, hot, WithPublisher(pub))
	ctx := context.Background()

	running := core.NewToolInvocation("s", "u", "search")
	assert.True(t, o.WriteToolInvocation(ctx, running))
	assert.Empty(t, pub.messages())

	inv := finishedInvocation(t)
	assert.True(t, o.WriteToolInvocation(ctx, inv))
	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tool_invocation", msgs[0].attrs["event_type"])

	var decoded core.ToolInvocation
	require.NoError(t, json.Unmarshal(msgs[0].data, &decoded))
	require.NotNil(t, decoded.DurationMs)
	assert.Equal(t, int64(1500), *decoded.DurationMs)
	assert.Zero(t, hot.Count("chat_sessions"))

	assert.False(t, o.WriteToolInvocation(ctx, nil))
}

func TestPublisherFactory(t *testing.T) {
	var calls atomic.Int32
	pub := &recordingPublisher{}
	fail := atomic.Bool{}
	fail.Store(true)

	o, err := New(hotstore.NewMemory(), WithPublisherFactory(func() (channel.Publisher, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("not yet")
		}
		return pub, nil
	}))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, o.WriteEvent(ctx, core.NewUserMessage("s", "u", "first")))
	assert.Empty(t, pub.messages())

	fail.Store(false)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.WriteEvent(ctx, core.NewUserMessage("s", "u", "again"))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, calls.Load(), "one failed build, then exactly one successful build")
	assert.Len(t, pub.messages(), 10)

	require.NoError(t, o.Close())
	assert.True(t, pub.closed.Load(), "a built publisher is owned and closed")
}

func TestInjectedPublisherIsNotClosed(t *testing.T) {
	pub := &recordingPublisher{}
	o, err := New(hotstore.NewMemory(), WithPublisher(pub))
	require.NoError(t, err)
	require.NoError(t, o.Close())
	assert.False(t, pub.closed.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(hotstore.NewMemory(), WithTopic(""))
	assert.ErrorIs(t, err, channel.ErrEmptyTopic)

	_, err = New(hotstore.NewMemory(), WithCollection(""))
	assert.ErrorIs(t, err, hotstore.ErrEmptyCollection)

	_, err = New(hotstore.NewMemory(), WithTimeouts(0, time.Second))
	assert.Error(t, err)
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "s1/messages/e1", DocumentID("s1", "e1"))
}
