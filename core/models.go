// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what kind of interaction an Event describes.
type EventType string

const (
	EventTypeMessageSent EventType = "message_sent"
	EventTypeToolStart   EventType = "tool_start"
	EventTypeToolEnd     EventType = "tool_end"
	EventTypeError       EventType = "error"

	// EventTypeToolInvocation is the routing type used on the channel for
	// completed ToolInvocation records. It is never the type of an Event.
	EventTypeToolInvocation EventType = "tool_invocation"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TokenUsage records model token consumption for an event.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Consistent reports whether TotalTokens covers its parts.
// It is not checked on the write path.
func (u TokenUsage) Consistent() bool {
	return u.TotalTokens >= u.PromptTokens+u.CompletionTokens
}

// Event is an immutable fact describing one unit of interaction.
// Construct it with NewEvent; the fields must not be modified afterwards.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Role       Role           `json:"role,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
	ClientInfo map[string]any `json:"client_info,omitempty"`
}

// EventOption sets optional Event fields at construction time.
type EventOption func(*Event)

// WithRole sets the message role.
func WithRole(role Role) EventOption {
	return func(e *Event) {
		e.Role = role
	}
}

// WithContent sets the text payload.
func WithContent(content string) EventOption {
	return func(e *Event) {
		e.Content = content
	}
}

// WithMetadata attaches a copy of the metadata map.
func WithMetadata(metadata map[string]any) EventOption {
	return func(e *Event) {
		e.Metadata = cloneMap(metadata)
	}
}

// WithTokenUsage attaches token accounting.
func WithTokenUsage(usage TokenUsage) EventOption {
	return func(e *Event) {
		e.TokenUsage = &usage
	}
}

// WithClientInfo attaches a copy of the client description map.
func WithClientInfo(info map[string]any) EventOption {
	return func(e *Event) {
		e.ClientInfo = cloneMap(info)
	}
}

// WithTimestamp overrides the creation time. Used for replays and tests.
func WithTimestamp(ts time.Time) EventOption {
	return func(e *Event) {
		e.Timestamp = ts.UTC()
	}
}

// NewEvent creates an Event with a fresh identifier and the current UTC time.
func NewEvent(eventType EventType, sessionID, userID string, opts ...EventOption) *Event {
	e := &Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewUserMessage is shorthand for a message_sent event authored by the user.
func NewUserMessage(sessionID, userID, content string, opts ...EventOption) *Event {
	opts = append([]EventOption{WithRole(RoleUser), WithContent(content)}, opts...)
	return NewEvent(EventTypeMessageSent, sessionID, userID, opts...)
}

// Action is the operation requested by an EmbeddingJob.
type Action string

const (
	ActionEmbedLog      Action = "embed_log"
	ActionEmbedBatch    Action = "embed_batch"
	ActionDeleteProject Action = "delete_project"
)

// EmbeddingJob is the message consumed by the embedding worker.
type EmbeddingJob struct {
	Action    Action         `json:"action"`
	ProjectID string         `json:"project_id"`
	Text      string         `json:"text,omitempty"`
	Texts     []string       `json:"texts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EmbeddingRecord is one entry in the vector index.
type EmbeddingRecord struct {
	VectorID string
	Vector   []float32
	Payload  map[string]any
}

// SearchHit is a scored vector index match.
type SearchHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
