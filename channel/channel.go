package channel

import (
	"context"
	"time"
)

// Message is one delivery of a published payload.
type Message struct {
	ID          string
	Topic       string
	Data        []byte
	Attributes  map[string]string
	PublishedAt time.Time
	// DeliveryAttempt is 1 on first delivery and grows with each redelivery.
	DeliveryAttempt int
}

// Attribute returns the named attribute or "".
func (m *Message) Attribute(key string) string {
	if m == nil || m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg *Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	// Publish starts sending data and returns immediately.
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) *PublishResult
	// Close stops accepting publishes and releases resources.
	Close() error
}

// Subscriber consumes messages from a topic.
type Subscriber interface {
	// Subscribe delivers messages of topic to h until ctx is done, the
	// subscriber is closed, or h returns a Fatal error, which is returned.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	Subscriber
}

// CloneAttributes copies attrs so callers can keep mutating theirs.
func CloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
