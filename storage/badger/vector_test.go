package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollection = "logs"

func newTestIndex(t *testing.T, dim int) storage.VectorIndex {
	t.Helper()
	backend, err := OpenMemoryBackend()
	require.NoError(t, err)
	index := NewVectorIndex(backend)
	t.Cleanup(func() {
		index.Close()
		backend.Close()
	})
	_, err = index.EnsureCollection(context.Background(), testCollection, dim, storage.DistanceCosine)
	require.NoError(t, err)
	return index
}

func record(id string, vector []float32, payload map[string]any) *core.EmbeddingRecord {
	return &core.EmbeddingRecord{VectorID: id, Vector: vector, Payload: payload}
}

func TestEnsureCollection(t *testing.T) {
	backend, err := OpenMemoryBackend()
	require.NoError(t, err)
	defer backend.Close()
	index := NewVectorIndex(backend)
	ctx := context.Background()

	created, err := index.EnsureCollection(ctx, "c", 3, storage.DistanceCosine)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = index.EnsureCollection(ctx, "c", 3, storage.DistanceCosine)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = index.EnsureCollection(ctx, "c", 4, storage.DistanceCosine)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	_, err = index.EnsureCollection(ctx, "bad:name", 3, storage.DistanceCosine)
	assert.ErrorIs(t, err, storage.ErrInvalidTable)

	_, err = index.EnsureCollection(ctx, "d", 0, storage.DistanceCosine)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestEnsureCollection_Concurrent(t *testing.T) {
	backend, err := OpenMemoryBackend()
	require.NoError(t, err)
	defer backend.Close()
	index := NewVectorIndex(backend)

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := index.EnsureCollection(context.Background(), "shared", 2, storage.DistanceCosine)
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, createdCount)
}

func TestUnknownCollection(t *testing.T) {
	backend, err := OpenMemoryBackend()
	require.NoError(t, err)
	defer backend.Close()
	index := NewVectorIndex(backend)
	ctx := context.Background()

	err = index.Upsert(ctx, "nope", record("a", []float32{1}, nil))
	assert.ErrorIs(t, err, storage.ErrCollectionNotFound)

	_, err = index.Search(ctx, "nope", storage.SearchRequest{Vector: []float32{1}, Limit: 1})
	assert.ErrorIs(t, err, storage.ErrCollectionNotFound)

	err = index.CreatePayloadIndex(ctx, "nope", "project_id")
	assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
}

func TestUpsertAndSearch(t *testing.T) {
	index := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, testCollection,
		record("a", []float32{1, 0, 0}, map[string]any{"project_id": "p1", "year": 2025}),
		record("b", []float32{0, 2, 0}, map[string]any{"project_id": "p1"}),
		record("c", []float32{0.9, 0.1, 0}, map[string]any{"project_id": "p2"}),
	))

	hits, err := index.Search(ctx, testCollection, storage.SearchRequest{
		Vector: []float32{2, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, "c", hits[1].ID)
	assert.Equal(t, "b", hits[2].ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-5)

	assert.Equal(t, int64(2025), hits[0].Payload["year"], "integers survive storage")
}

func TestSearch_FilterThresholdAndLimit(t *testing.T) {
	index := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, testCollection,
		record("a", []float32{1, 0}, map[string]any{"project_id": "p1", "hour_bucket": 2025010110}),
		record("b", []float32{1, 1}, map[string]any{"project_id": "p1", "hour_bucket": 2025010112}),
		record("c", []float32{0, 1}, map[string]any{"project_id": "p1", "hour_bucket": 2025010112}),
		record("d", []float32{1, 0}, map[string]any{"project_id": "p2", "hour_bucket": 2025010112}),
	))

	from := 2025010111.0
	hits, err := index.Search(ctx, testCollection, storage.SearchRequest{
		Vector: []float32{1, 0},
		Filter: storage.NewFilter(
			storage.MatchCondition("project_id", "p1"),
			storage.RangeCondition("hour_bucket", storage.Range{Gte: &from}),
		),
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)

	threshold := float32(0.5)
	hits, err = index.Search(ctx, testCollection, storage.SearchRequest{
		Vector:         []float32{1, 0},
		Filter:         storage.FieldMatch("project_id", "p1"),
		Limit:          10,
		ScoreThreshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, threshold)
	}

	hits, err = index.Search(ctx, testCollection, storage.SearchRequest{
		Vector: []float32{1, 0},
		Limit:  1,
		Params: storage.SearchParams{Ef: 128, Exact: true},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSearch_Validation(t *testing.T) {
	index := newTestIndex(t, 2)
	ctx := context.Background()

	_, err := index.Search(ctx, testCollection, storage.SearchRequest{Vector: []float32{1, 0, 0}, Limit: 1})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	_, err = index.Search(ctx, testCollection, storage.SearchRequest{Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)

	_, err = index.Search(ctx, testCollection, storage.SearchRequest{
		Vector: []float32{1, 0}, Limit: 1, Params: storage.SearchParams{Ef: -1},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)

	err = index.Upsert(ctx, testCollection, record("x", []float32{1}, nil))
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	err = index.Upsert(ctx, testCollection, record("", []float32{1, 0}, nil))
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestPayloadIndex(t *testing.T) {
	index := newTestIndex(t, 2)
	ctx := context.Background()

	// Written before the index exists, found through the backfill.
	require.NoError(t, index.Upsert(ctx, testCollection,
		record("a", []float32{1, 0}, map[string]any{"project_id": "p1", "severity": "ERROR"}),
	))
	require.NoError(t, index.CreatePayloadIndex(ctx, testCollection, "project_id"))
	require.NoError(t, index.CreatePayloadIndex(ctx, testCollection, "project_id"))

	require.NoError(t, index.Upsert(ctx, testCollection,
		record("b", []float32{0, 1}, map[string]any{"project_id": "p1", "severity": "INFO"}),
		record("c", []float32{0, 1}, map[string]any{"project_id": "p1:x"}),
	))

	recs, err := index.Scroll(ctx, testCollection, storage.FieldMatch("project_id", "p1"), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].VectorID)
	assert.Equal(t, "b", recs[1].VectorID)

	// Moving a record to another project updates its index entry.
	require.NoError(t, index.Upsert(ctx, testCollection,
		record("b", []float32{0, 1}, map[string]any{"project_id": "p2"}),
	))
	recs, err = index.Scroll(ctx, testCollection, storage.FieldMatch("project_id", "p1"), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].VectorID)

	recs, err = index.Scroll(ctx, testCollection, storage.NewFilter(
		storage.MatchCondition("project_id", "p1"),
		storage.MatchCondition("severity", "INFO"),
	), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScrollLimit(t *testing.T) {
	index := newTestIndex(t, 2)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, index.Upsert(ctx, testCollection,
			record(fmt.Sprintf("r%d", i), []float32{1, 0}, map[string]any{"trace_id": "t1"})))
	}

	recs, err := index.Scroll(ctx, testCollection, storage.FieldMatch("trace_id", "t1"), 3)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	_, err = index.Scroll(ctx, testCollection, nil, -1)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestDeleteByFilter(t *testing.T) {
	index := newTestIndex(t, 2)
	ctx := context.Background()
	require.NoError(t, index.CreatePayloadIndex(ctx, testCollection, "project_id"))

	require.NoError(t, index.Upsert(ctx, testCollection,
		record("a", []float32{1, 0}, map[string]any{"project_id": "p1"}),
		record("b", []float32{0, 1}, map[string]any{"project_id": "p1"}),
		record("c", []float32{0, 1}, map[string]any{"project_id": "p2"}),
	))

	deleted, err := index.Delete(ctx, testCollection, storage.FieldMatch("project_id", "p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	hits, err := index.Search(ctx, testCollection, storage.SearchRequest{
		Vector: []float32{1, 0},
		Filter: storage.FieldMatch("project_id", "p1"),
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	recs, err := index.Scroll(ctx, testCollection, nil, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c", recs[0].VectorID)

	deleted, err = index.Delete(ctx, testCollection, storage.FieldMatch("project_id", "p1"))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestMetadataPersistsAcrossIndexes(t *testing.T) {
	backend, err := OpenMemoryBackend()
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()

	first := NewVectorIndex(backend)
	_, err = first.EnsureCollection(ctx, "c", 2, storage.DistanceCosine)
	require.NoError(t, err)
	require.NoError(t, first.Upsert(ctx, "c", record("a", []float32{3, 4}, nil)))

	second := NewVectorIndex(backend)
	recs, err := second.Scroll(ctx, "c", nil, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.6, recs[0].Vector[0], 1e-6, "cosine collections store unit vectors")
}
