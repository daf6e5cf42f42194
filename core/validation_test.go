package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEvent(t *testing.T) {
	valid := NewUserMessage("s1", "u1", "hi")

	tests := []struct {
		name    string
		event   *Event
		wantErr error
	}{
		{name: "valid", event: valid},
		{name: "nil", event: nil, wantErr: ErrInvalidEvent},
		{name: "missing id", event: &Event{SessionID: "s", EventType: EventTypeError}, wantErr: ErrEmptyID},
		{name: "bad type", event: &Event{EventID: "e", SessionID: "s", EventType: "nope"}, wantErr: ErrInvalidEventType},
		{name: "bad role", event: &Event{EventID: "e", SessionID: "s", EventType: EventTypeMessageSent, Role: "robot"}, wantErr: ErrInvalidRole},
		{
			name: "negative tokens",
			event: &Event{EventID: "e", SessionID: "s", EventType: EventTypeMessageSent,
				TokenUsage: &TokenUsage{PromptTokens: -1}},
			wantErr: ErrNegativeTokens,
		},
		{
			name: "inconsistent totals are accepted",
			event: &Event{EventID: "e", SessionID: "s", EventType: EventTypeMessageSent,
				TokenUsage: &TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEvent(tt.event)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEmbeddingJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     *EmbeddingJob
		wantErr error
	}{
		{name: "embed_log", job: &EmbeddingJob{Action: ActionEmbedLog, ProjectID: "p1", Text: "x"}},
		{name: "embed_log empty", job: &EmbeddingJob{Action: ActionEmbedLog, ProjectID: "p1"}, wantErr: ErrEmptyText},
		{name: "embed_batch", job: &EmbeddingJob{Action: ActionEmbedBatch, ProjectID: "p1", Texts: []string{"a"}}},
		{name: "embed_batch empty", job: &EmbeddingJob{Action: ActionEmbedBatch, ProjectID: "p1"}, wantErr: ErrEmptyTexts},
		{name: "delete ignores text", job: &EmbeddingJob{Action: ActionDeleteProject, ProjectID: "p1", Text: "ignored"}},
		{name: "delete without project", job: &EmbeddingJob{Action: ActionDeleteProject}, wantErr: ErrMissingProjectID},
		{name: "unknown action", job: &EmbeddingJob{Action: "summarize", ProjectID: "p1"}, wantErr: ErrUnknownAction},
		{name: "nil", job: nil, wantErr: ErrInvalidJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}
