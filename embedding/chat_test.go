package embedding

import (
	"testing"

	"github.com/poiesic/fanout/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageJob(t *testing.T) {
	record := map[string]any{
		"event_id":   "e1",
		"session_id": "s1",
		"user_id":    "u1",
		"role":       "user",
		"content":    "hello",
		"metadata":   map[string]any{"project_id": "p1"},
	}
	job, ok := ChatMessageJob(record, "default")
	require.True(t, ok)
	assert.Equal(t, core.ActionEmbedLog, job.Action)
	assert.Equal(t, "p1", job.ProjectID)
	assert.Equal(t, "hello", job.Text)
	assert.Equal(t, SourceTypeChatMessage, job.Metadata["source_type"])
	assert.Equal(t, "e1", job.Metadata["event_id"])
	require.NoError(t, job.Validate())

	record["metadata"] = `{"project_id":"from-text"}`
	job, ok = ChatMessageJob(record, "default")
	require.True(t, ok)
	assert.Equal(t, "from-text", job.ProjectID)

	record["metadata"] = "not json"
	job, ok = ChatMessageJob(record, "default")
	require.True(t, ok)
	assert.Equal(t, "default", job.ProjectID)
}

func TestChatMessageJob_NotQualifying(t *testing.T) {
	for _, record := range []map[string]any{
		{"role": "assistant", "content": "hi"},
		{"role": "user", "content": ""},
		{"role": "user"},
		{"role": "user", "content": map[string]any{"parts": []any{"hi"}}},
		{"content": "no role"},
	} {
		_, ok := ChatMessageJob(record, "default")
		assert.False(t, ok, "%v", record)
	}
}
