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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/storage"
	"golang.org/x/sync/singleflight"
)

// Store writes embeddings into one vector collection.
type Store struct {
	index          storage.VectorIndex
	collection     string
	dimension      int
	previewLen     int
	timeout        time.Duration
	skipDuplicates bool
	now            func() time.Time
	logger         *slog.Logger

	ensured atomic.Bool
	group   singleflight.Group
}

// StoredVector describes the outcome of one Put.
type StoredVector struct {
	VectorID string
	TextHash string
	// Duplicate is set when an existing record was reused.
	Duplicate bool
}

func newStore(index storage.VectorIndex, collection string, dimension int, logger *slog.Logger) *Store {
	return &Store{
		index:      index,
		collection: collection,
		dimension:  dimension,
		previewLen: DefaultPreviewLength,
		timeout:    10 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// ensureCollection creates the collection and its payload indexes once per
// process. Concurrent callers share one attempt; a failed attempt is retried
// by the next caller.
func (s *Store) ensureCollection(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	_, err, _ := s.group.Do(s.collection, func() (any, error) {
		if s.ensured.Load() {
			return nil, nil
		}
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		created, err := s.index.EnsureCollection(opCtx, s.collection, s.dimension, storage.DistanceCosine)
		if err != nil {
			return nil, fmt.Errorf("ensure collection %s: %w", s.collection, err)
		}
		if created {
			fields := IndexedFields
			if s.skipDuplicates {
				fields = append(fields[:len(fields):len(fields)], FieldTextHash)
			}
			for _, field := range fields {
				if err := s.index.CreatePayloadIndex(opCtx, s.collection, field); err != nil {
					s.logger.Warn("payload index creation failed", "collection", s.collection, "field", field, "err", err)
				}
			}
		}
		s.ensured.Store(true)
		return nil, nil
	})
	return err
}

// Put stores vector for text under projectID.
func (s *Store) Put(ctx context.Context, projectID, text string, vector []float32, metadata map[string]any) (*StoredVector, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: vector has %d dimensions, collection %s expects %d",
			storage.ErrDimensionMismatch, len(vector), s.collection, s.dimension)
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	payload := BuildPayload(text, projectID, metadata, s.previewLen, s.now())
	hash := payload[FieldTextHash].(string)

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.skipDuplicates {
		existing, err := s.index.Scroll(opCtx, s.collection, storage.NewFilter(
			storage.MatchCondition(FieldProjectID, projectID),
			storage.MatchCondition(FieldTextHash, hash),
		), 1)
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if len(existing) > 0 {
			return &StoredVector{VectorID: existing[0].VectorID, TextHash: hash, Duplicate: true}, nil
		}
	}

	record := &core.EmbeddingRecord{
		VectorID: uuid.NewString(),
		Vector:   core.NormalizeVector(vector),
		Payload:  payload,
	}
	if err := s.index.Upsert(opCtx, s.collection, record); err != nil {
		return nil, fmt.Errorf("upsert vector: %w", err)
	}
	return &StoredVector{VectorID: record.VectorID, TextHash: hash}, nil
}

// DeleteProject removes every record of projectID.
// A collection that was never created holds nothing to delete.
func (s *Store) DeleteProject(ctx context.Context, projectID string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.index.Delete(opCtx, s.collection, storage.FieldMatch(FieldProjectID, projectID))
	if errors.Is(err, storage.ErrCollectionNotFound) {
		return 0, nil
	}
	return n, err
}
