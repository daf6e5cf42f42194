package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolStatus is the lifecycle state of a ToolInvocation.
type ToolStatus string

const (
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusFailure ToolStatus = "failure"
)

// ToolInvocation tracks one tool execution. Unlike Event it carries mutable
// state: it is created running and moved exactly once to a terminal status by
// the caller that owns it.
type ToolInvocation struct {
	InvocationID  string         `json:"invocation_id"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	ToolName      string         `json:"tool_name"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	Status        ToolStatus     `json:"status"`
	InputArgs     map[string]any `json:"input_args,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	BytesBilled   int64          `json:"bytes_billed,omitempty"`
	TokensUsed    int64          `json:"tokens_used,omitempty"`
}

// ToolOption sets optional ToolInvocation fields at creation.
type ToolOption func(*ToolInvocation)

// WithStartedAt overrides the start time.
func WithStartedAt(ts time.Time) ToolOption {
	return func(t *ToolInvocation) {
		t.StartedAt = ts.UTC()
	}
}

// WithInputArgs attaches a copy of the tool arguments.
func WithInputArgs(args map[string]any) ToolOption {
	return func(t *ToolInvocation) {
		t.InputArgs = cloneMap(args)
	}
}

// NewToolInvocation creates a running invocation started now.
func NewToolInvocation(sessionID, userID, toolName string, opts ...ToolOption) *ToolInvocation {
	t := &ToolInvocation{
		InvocationID: uuid.NewString(),
		SessionID:    sessionID,
		UserID:       userID,
		ToolName:     toolName,
		StartedAt:    time.Now().UTC(),
		Status:       ToolStatusRunning,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Complete marks the invocation successful at the current time.
func (t *ToolInvocation) Complete(outputSummary string) error {
	return t.CompleteAt(time.Now().UTC(), outputSummary)
}

// CompleteAt marks the invocation successful at endedAt.
func (t *ToolInvocation) CompleteAt(endedAt time.Time, outputSummary string) error {
	if err := t.finish(endedAt, ToolStatusSuccess); err != nil {
		return err
	}
	t.OutputSummary = outputSummary
	return nil
}

// Fail marks the invocation failed at the current time.
func (t *ToolInvocation) Fail(errorMessage string) error {
	return t.FailAt(time.Now().UTC(), errorMessage)
}

// FailAt marks the invocation failed at endedAt.
func (t *ToolInvocation) FailAt(endedAt time.Time, errorMessage string) error {
	if err := t.finish(endedAt, ToolStatusFailure); err != nil {
		return err
	}
	t.ErrorMessage = errorMessage
	return nil
}

// RecordUsage attaches billing counters. Only valid while running.
func (t *ToolInvocation) RecordUsage(bytesBilled, tokensUsed int64) error {
	if t.Status != ToolStatusRunning {
		return fmt.Errorf("%w: invocation %s is %s", ErrInvalidTransition, t.InvocationID, t.Status)
	}
	t.BytesBilled = bytesBilled
	t.TokensUsed = tokensUsed
	return nil
}

// Terminal reports whether the invocation has finished.
func (t *ToolInvocation) Terminal() bool {
	return t.Status == ToolStatusSuccess || t.Status == ToolStatusFailure
}

func (t *ToolInvocation) finish(endedAt time.Time, status ToolStatus) error {
	if t.Status != ToolStatusRunning {
		return fmt.Errorf("%w: invocation %s is %s", ErrInvalidTransition, t.InvocationID, t.Status)
	}
	ended := endedAt.UTC()
	duration := ended.Sub(t.StartedAt).Milliseconds()
	t.EndedAt = &ended
	t.DurationMs = &duration
	t.Status = status
	return nil
}
