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
	"fmt"
)

// ValidateEvent validates an Event according to domain rules.
//
// Validation rules:
//   - EventID, SessionID must not be empty
//   - EventType must be one of the four event kinds
//   - Role, when set, must be a known role
//   - TokenUsage counters must not be negative
//
// NOT validated:
//   - TotalTokens >= PromptTokens + CompletionTokens (see TokenUsage.Consistent)
func ValidateEvent(event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if event.EventID == "" {
		return fmt.Errorf("%w: event_id: %w", ErrInvalidEvent, ErrEmptyID)
	}
	if event.SessionID == "" {
		return fmt.Errorf("%w: session_id: %w", ErrInvalidEvent, ErrEmptyID)
	}
	if err := ValidateEventType(event.EventType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if event.Role != "" {
		if err := ValidateRole(event.Role); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	if u := event.TokenUsage; u != nil {
		if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, ErrNegativeTokens)
		}
	}
	return nil
}

// ValidateEventType validates that an EventType names an Event kind.
func ValidateEventType(t EventType) error {
	switch t {
	case EventTypeMessageSent, EventTypeToolStart, EventTypeToolEnd, EventTypeError:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidEventType, t)
}

// ValidateRole validates that a Role has a known value.
func ValidateRole(r Role) error {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRole, r)
}

// Validate checks the per-action requirements of an EmbeddingJob.
//
// Validation rules:
//   - ProjectID must not be empty
//   - embed_log requires non-empty Text
//   - embed_batch requires non-empty Texts
//   - delete_project ignores Text and Texts
func (j *EmbeddingJob) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if j.ProjectID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrMissingProjectID)
	}
	switch j.Action {
	case ActionEmbedLog:
		if j.Text == "" {
			return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyText)
		}
	case ActionEmbedBatch:
		if len(j.Texts) == 0 {
			return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyTexts)
		}
	case ActionDeleteProject:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidJob, ErrUnknownAction, j.Action)
	}
	return nil
}
