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

import "errors"

// Domain validation errors
var (
	// ErrInvalidEvent indicates an Event failed validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidEventType indicates an unknown EventType value.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidRole indicates an unknown Role value.
	ErrInvalidRole = errors.New("invalid role")

	// ErrNegativeTokens indicates a negative token counter.
	ErrNegativeTokens = errors.New("token counts cannot be negative")

	// ErrInvalidTransition indicates a ToolInvocation left the running state twice.
	ErrInvalidTransition = errors.New("invalid tool status transition")

	// ErrInvalidJob indicates an EmbeddingJob failed validation.
	ErrInvalidJob = errors.New("invalid embedding job")

	// ErrUnknownAction indicates an unsupported EmbeddingJob action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrEmptyText indicates embed_log was requested without text.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrEmptyTexts indicates embed_batch was requested without texts.
	ErrEmptyTexts = errors.New("texts cannot be empty")

	// ErrMissingProjectID indicates a job without a tenant key.
	ErrMissingProjectID = errors.New("project_id is required")

	// ErrEmptyID indicates a missing identifier.
	ErrEmptyID = errors.New("identifier cannot be empty")
)
