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

package search

import "errors"

var (
	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrDimensionMismatch is returned when the query embedding does not
	// match the collection dimension.
	ErrDimensionMismatch = errors.New("query embedding dimension mismatch")

	// ErrEmptyQuery is returned for a query without text.
	ErrEmptyQuery = errors.New("query text cannot be empty")

	// ErrEmptyTraceID is returned by SearchByTrace for an empty trace id.
	ErrEmptyTraceID = errors.New("trace id cannot be empty")
)
