package embedding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/poiesic/fanout/core"
)

// EncodeJob returns the JSON wire form of job.
func EncodeJob(job *core.EmbeddingJob) ([]byte, error) {
	return json.Marshal(job)
}

// DecodeJob parses a job from raw JSON or from base64-wrapped JSON.
// It does not validate the job.
func DecodeJob(data []byte) (*core.EmbeddingJob, error) {
	body := bytes.TrimSpace(data)
	if len(body) > 0 && body[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUndecodableJob, err)
		}
		body = decoded
	}

	var job core.EmbeddingJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodableJob, err)
	}
	return &job, nil
}
