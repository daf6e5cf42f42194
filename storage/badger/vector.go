package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/storage"
)

const (
	// upsertChunkSize bounds the records written per transaction.
	upsertChunkSize = 256
	// maxConflictRetries bounds retries of metadata writes that race.
	maxConflictRetries = 3
)

type collectionMeta struct {
	Dimension int              `json:"dimension"`
	Distance  storage.Distance `json:"distance"`
	Indexes   []string         `json:"indexes,omitempty"`
}

type storedVector struct {
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// VectorIndex implements storage.VectorIndex on BadgerDB.
//
// Records live under vec:collection:id. Secondary payload indexes map
// field values to record IDs and narrow the candidate set of equality
// filters. Similarity search is exhaustive over the candidates, so
// SearchParams never changes the result set.
type VectorIndex struct {
	backend *Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	metas map[string]*collectionMeta
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex creates a vector index on backend.
// The backend is shared and is not closed by the index.
func NewVectorIndex(backend *Backend) storage.VectorIndex {
	return newVectorIndex(backend)
}

func newVectorIndex(backend *Backend) *VectorIndex {
	return &VectorIndex{
		backend: backend,
		logger:  backend.logger.With("component", "vector-index"),
		metas:   make(map[string]*collectionMeta),
	}
}

// Close drops cached collection metadata.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	v.metas = make(map[string]*collectionMeta)
	v.mu.Unlock()
	return nil
}

// EnsureCollection creates the collection if it does not exist.
func (v *VectorIndex) EnsureCollection(ctx context.Context, name string, dimension int, distance storage.Distance) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	if dimension <= 0 {
		return false, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidQuery)
	}
	if distance == "" {
		distance = storage.DistanceCosine
	}

	var created bool
	err := v.retryConflicts(func() error {
		created = false
		return v.backend.WithTx(func(tx *badger.Txn) error {
			meta, err := readMeta(tx, name)
			if err != nil && !errors.Is(err, storage.ErrCollectionNotFound) {
				return err
			}
			if meta != nil {
				if meta.Dimension != dimension {
					return fmt.Errorf("%w: collection %s has dimension %d, requested %d",
						storage.ErrDimensionMismatch, name, meta.Dimension, dimension)
				}
				v.cacheMeta(name, meta)
				return nil
			}
			meta = &collectionMeta{Dimension: dimension, Distance: distance}
			if err := writeMeta(tx, name, meta); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			created = true
			v.cacheMeta(name, meta)
			return nil
		}, true)
	})
	if created {
		v.logger.Info("collection created", "collection", name, "dimension", dimension, "distance", distance)
	}
	return created, err
}

// CreatePayloadIndex adds a secondary index on field and indexes the
// records already stored.
func (v *VectorIndex) CreatePayloadIndex(ctx context.Context, collection, field string) error {
	if err := validateName(field); err != nil {
		return err
	}

	var added bool
	err := v.retryConflicts(func() error {
		added = false
		return v.backend.WithTx(func(tx *badger.Txn) error {
			meta, err := readMeta(tx, collection)
			if err != nil {
				return err
			}
			if slices.Contains(meta.Indexes, field) {
				v.cacheMeta(collection, meta)
				return nil
			}
			meta.Indexes = append(meta.Indexes, field)
			if err := writeMeta(tx, collection, meta); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			added = true
			v.cacheMeta(collection, meta)
			return nil
		}, true)
	})
	if err != nil || !added {
		return err
	}

	// Records written before the index existed.
	type entry struct{ key, id []byte }
	var entries []entry
	err = v.backend.WithTx(func(tx *badger.Txn) error {
		return scanCollection(ctx, tx, collection, func(id string, rec *storedVector) error {
			if key, ok := indexKeyFor(collection, field, id, rec.Payload); ok {
				entries = append(entries, entry{key: key, id: []byte(id)})
			}
			return nil
		})
	}, false)
	if err != nil {
		return err
	}

	wb := v.backend.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(e.key, e.id); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	v.logger.Debug("payload index created", "collection", collection, "field", field, "backfilled", len(entries))
	return nil
}

// Upsert writes records, replacing any with the same VectorID. Vectors in
// cosine collections are stored normalized.
func (v *VectorIndex) Upsert(ctx context.Context, collection string, records ...*core.EmbeddingRecord) error {
	meta, err := v.meta(collection)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec == nil || rec.VectorID == "" {
			return fmt.Errorf("%w: record without vector id", storage.ErrInvalidQuery)
		}
		if len(rec.Vector) != meta.Dimension {
			return fmt.Errorf("%w: record %s has dimension %d, collection %s expects %d",
				storage.ErrDimensionMismatch, rec.VectorID, len(rec.Vector), collection, meta.Dimension)
		}
	}

	for chunk := range slices.Chunk(records, upsertChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := v.backend.WithTx(func(tx *badger.Txn) error {
			for _, rec := range chunk {
				if err := v.putRecord(tx, collection, meta, rec); err != nil {
					return err
				}
			}
			return tx.Commit()
		}, true)
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", collection, err)
		}
	}
	return nil
}

func (v *VectorIndex) putRecord(tx *badger.Txn, collection string, meta *collectionMeta, rec *core.EmbeddingRecord) error {
	key := makeVectorKey(collection, rec.VectorID)

	old, err := readRecord(tx, key)
	if err != nil {
		return err
	}
	if old != nil {
		if err := deleteIndexEntries(tx, collection, meta.Indexes, rec.VectorID, old.Payload); err != nil {
			return err
		}
	}

	vector := rec.Vector
	if meta.Distance == storage.DistanceCosine {
		vector = core.NormalizeVector(vector)
	}
	data, err := json.Marshal(storedVector{Vector: vector, Payload: rec.Payload})
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	if err := tx.Set(key, data); err != nil {
		return err
	}
	for _, field := range meta.Indexes {
		if ik, ok := indexKeyFor(collection, field, rec.VectorID, rec.Payload); ok {
			if err := tx.Set(ik, []byte(rec.VectorID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search returns up to req.Limit hits ordered by descending score.
func (v *VectorIndex) Search(ctx context.Context, collection string, req storage.SearchRequest) ([]*core.SearchHit, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	if req.Params.Ef < 0 {
		return nil, fmt.Errorf("%w: ef cannot be negative", storage.ErrInvalidQuery)
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	meta, err := v.meta(collection)
	if err != nil {
		return nil, err
	}
	if len(req.Vector) != meta.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection %s expects %d",
			storage.ErrDimensionMismatch, len(req.Vector), collection, meta.Dimension)
	}

	query := req.Vector
	if meta.Distance == storage.DistanceCosine {
		query = core.NormalizeVector(query)
	}

	var hits []*core.SearchHit
	err = v.backend.WithTx(func(tx *badger.Txn) error {
		return v.eachMatch(ctx, tx, collection, meta, req.Filter, func(id string, rec *storedVector) error {
			score := core.DotProduct(query, rec.Vector)
			if req.ScoreThreshold != nil && score < *req.ScoreThreshold {
				return nil
			}
			hits = append(hits, &core.SearchHit{ID: id, Score: score, Payload: rec.Payload})
			return nil
		})
	}, false)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b *core.SearchHit) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

// Scroll returns records matching filter ordered by ID.
func (v *VectorIndex) Scroll(ctx context.Context, collection string, filter *storage.Filter, limit int) ([]*core.EmbeddingRecord, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit cannot be negative", storage.ErrInvalidQuery)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	meta, err := v.meta(collection)
	if err != nil {
		return nil, err
	}

	var records []*core.EmbeddingRecord
	err = v.backend.WithTx(func(tx *badger.Txn) error {
		return v.eachMatch(ctx, tx, collection, meta, filter, func(id string, rec *storedVector) error {
			records = append(records, &core.EmbeddingRecord{VectorID: id, Vector: rec.Vector, Payload: rec.Payload})
			return nil
		})
	}, false)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(records, func(a, b *core.EmbeddingRecord) int {
		return bytes.Compare([]byte(a.VectorID), []byte(b.VectorID))
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Delete removes every record matching filter.
func (v *VectorIndex) Delete(ctx context.Context, collection string, filter *storage.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	meta, err := v.meta(collection)
	if err != nil {
		return 0, err
	}

	type victim struct {
		id      string
		payload map[string]any
	}
	var victims []victim
	err = v.backend.WithTx(func(tx *badger.Txn) error {
		return v.eachMatch(ctx, tx, collection, meta, filter, func(id string, rec *storedVector) error {
			victims = append(victims, victim{id: id, payload: rec.Payload})
			return nil
		})
	}, false)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for chunk := range slices.Chunk(victims, upsertChunkSize) {
		err := v.backend.WithTx(func(tx *badger.Txn) error {
			for _, vic := range chunk {
				if err := tx.Delete(makeVectorKey(collection, vic.id)); err != nil {
					return err
				}
				if err := deleteIndexEntries(tx, collection, meta.Indexes, vic.id, vic.payload); err != nil {
					return err
				}
			}
			return tx.Commit()
		}, true)
		if err != nil {
			return deleted, fmt.Errorf("delete from %s: %w", collection, err)
		}
		deleted += len(chunk)
	}
	v.logger.Debug("records deleted", "collection", collection, "count", deleted)
	return deleted, nil
}

// eachMatch calls fn for every record of collection that satisfies filter.
// When the filter has an equality condition on an indexed field only the
// records listed under that value are read.
func (v *VectorIndex) eachMatch(ctx context.Context, tx *badger.Txn, collection string, meta *collectionMeta, filter *storage.Filter, fn func(id string, rec *storedVector) error) error {
	visit := func(id string, rec *storedVector) error {
		if !filter.Matches(rec.Payload) {
			return nil
		}
		return fn(id, rec)
	}

	if cond, ok := indexedCondition(meta, filter); ok {
		ids, err := indexLookup(tx, collection, cond.Field, storage.ValueKey(cond.Match))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := readRecord(tx, makeVectorKey(collection, id))
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := visit(id, rec); err != nil {
				return err
			}
		}
		return nil
	}
	return scanCollection(ctx, tx, collection, visit)
}

func indexedCondition(meta *collectionMeta, filter *storage.Filter) (storage.Condition, bool) {
	if filter == nil {
		return storage.Condition{}, false
	}
	for _, c := range filter.Must {
		if c.Range == nil && c.Match != nil && slices.Contains(meta.Indexes, c.Field) {
			return c, true
		}
	}
	return storage.Condition{}, false
}

func indexLookup(tx *badger.Txn, collection, field, value string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeIndexPrefix(collection, field, value)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var ids []string
	for iter.Rewind(); iter.Valid(); iter.Next() {
		val, err := iter.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, string(val))
	}
	return ids, nil
}

func scanCollection(ctx context.Context, tx *badger.Txn, collection string, fn func(id string, rec *storedVector) error) error {
	prefix := makeVectorPrefix(collection)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := iter.Item()
		id := string(item.Key()[len(prefix):])
		var rec *storedVector
		err := item.Value(func(val []byte) error {
			var err error
			rec, err = decodeRecord(val)
			return err
		})
		if err != nil {
			return err
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(tx *badger.Txn, key []byte) (*storedVector, error) {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec *storedVector
	err = item.Value(func(val []byte) error {
		var err error
		rec, err = decodeRecord(val)
		return err
	})
	return rec, err
}

// decodeRecord restores integer payload values that JSON would otherwise
// turn into float64.
func decodeRecord(val []byte) (*storedVector, error) {
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	var rec storedVector
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	for k, val := range rec.Payload {
		rec.Payload[k] = fromNumber(val)
	}
	return &rec, nil
}

func fromNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, val := range t {
			t[k] = fromNumber(val)
		}
	case []any:
		for i, val := range t {
			t[i] = fromNumber(val)
		}
	}
	return v
}

func indexKeyFor(collection, field, id string, payload map[string]any) ([]byte, bool) {
	val, ok := payload[field]
	if !ok || !indexable(val) {
		return nil, false
	}
	return makeIndexKey(collection, field, storage.ValueKey(val), id), true
}

func indexable(v any) bool {
	switch v.(type) {
	case map[string]any, []any, nil:
		return false
	}
	return true
}

func deleteIndexEntries(tx *badger.Txn, collection string, fields []string, id string, payload map[string]any) error {
	for _, field := range fields {
		if ik, ok := indexKeyFor(collection, field, id, payload); ok {
			if err := tx.Delete(ik); err != nil {
				return err
			}
		}
	}
	return nil
}

func readMeta(tx *badger.Txn, collection string) (*collectionMeta, error) {
	item, err := tx.Get(makeCollectionKey(collection))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, collection)
	}
	if err != nil {
		return nil, err
	}
	var meta collectionMeta
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	return &meta, nil
}

func writeMeta(tx *badger.Txn, collection string, meta *collectionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	return tx.Set(makeCollectionKey(collection), data)
}

// meta returns collection metadata from the cache, loading it on a miss.
func (v *VectorIndex) meta(collection string) (*collectionMeta, error) {
	v.mu.RLock()
	meta, ok := v.metas[collection]
	v.mu.RUnlock()
	if ok {
		return meta, nil
	}
	err := v.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		meta, err = readMeta(tx, collection)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	v.cacheMeta(collection, meta)
	return meta, nil
}

func (v *VectorIndex) cacheMeta(collection string, meta *collectionMeta) {
	v.mu.Lock()
	v.metas[collection] = meta
	v.mu.Unlock()
}

func (v *VectorIndex) retryConflicts(fn func() error) error {
	var err error
	for range maxConflictRetries {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
