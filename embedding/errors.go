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

package embedding

import "errors"

var (
	// ErrModelInit indicates the embedding model could not be constructed.
	// It stops the consuming subscription.
	ErrModelInit = errors.New("embedding model initialization failed")

	// ErrUndecodableJob indicates a message body that is not an EmbeddingJob.
	ErrUndecodableJob = errors.New("undecodable embedding job")

	// ErrNilIndex indicates a worker built without a vector index.
	ErrNilIndex = errors.New("vector index required")

	// ErrNilPublisher indicates a producer built without a publisher.
	ErrNilPublisher = errors.New("publisher required")
)
