package embedding

import (
	"encoding/json"

	"github.com/poiesic/fanout/core"
)

// SourceTypeChatMessage marks records embedded from chat events.
const SourceTypeChatMessage = "chat_message"

// ChatMessageJob returns the embed_log job for a decoded chat event, or false
// when the event does not qualify: only user messages with non-empty string
// content are embedded. The project comes from metadata.project_id, else
// defaultProject. metadata may be a map or its JSON text, as stored in
// analytical rows.
func ChatMessageJob(record map[string]any, defaultProject string) (*core.EmbeddingJob, bool) {
	role, _ := record["role"].(string)
	content, _ := record["content"].(string)
	if role != string(core.RoleUser) || content == "" {
		return nil, false
	}

	project := defaultProject
	if p, ok := metadataMap(record["metadata"])["project_id"].(string); ok && p != "" {
		project = p
	}

	return &core.EmbeddingJob{
		Action:    core.ActionEmbedLog,
		ProjectID: project,
		Text:      content,
		Metadata: map[string]any{
			"source_type": SourceTypeChatMessage,
			"session_id":  record["session_id"],
			"user_id":     record["user_id"],
			"event_id":    record["event_id"],
		},
	}, true
}

func metadataMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case string:
		var out map[string]any
		if json.Unmarshal([]byte(m), &out) == nil {
			return out
		}
	}
	return nil
}
