package storage

import (
	"context"

	"github.com/poiesic/fanout/core"
)

// Row is one record of the analytical store. Keys are column names; absent
// fields are omitted rather than stored as null.
type Row map[string]any

// AnalyticsRepository is the append-only durable store used by the cold path.
// Implementations must be thread-safe and support concurrent access.
type AnalyticsRepository interface {
	// InsertRows appends rows to table.
	// Returns one error per failed row; an empty result means every row was written.
	InsertRows(ctx context.Context, table string, rows []Row) []error

	// ScanRows calls fn for each row of table in insertion order.
	// Iteration stops at the first error returned by fn.
	ScanRows(ctx context.Context, table string, fn func(Row) error) error

	// CountRows returns the number of rows stored in table.
	CountRows(ctx context.Context, table string) (int64, error)

	// Close releases resources held by the repository.
	Close() error
}

// Distance is the similarity metric of a vector collection.
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceDot    Distance = "dot"
)

// SearchParams tunes approximate nearest-neighbor search.
type SearchParams struct {
	// Ef is the size of the candidate list kept during the search.
	// Zero uses the index default.
	Ef int
	// Exact forces an exhaustive search.
	Exact bool
}

// SearchRequest describes a single nearest-neighbor query.
type SearchRequest struct {
	Vector         []float32
	Filter         *Filter
	Limit          int
	Params         SearchParams
	ScoreThreshold *float32
}

// VectorIndex stores embedding records in named collections and answers
// filtered similarity queries over them.
type VectorIndex interface {
	// EnsureCollection creates the collection if it does not exist.
	// Returns true when the collection was created by this call.
	// Returns ErrDimensionMismatch if it exists with a different dimension.
	EnsureCollection(ctx context.Context, name string, dimension int, distance Distance) (bool, error)

	// CreatePayloadIndex adds a secondary index on a payload field.
	// Creating an index that already exists is not an error.
	CreatePayloadIndex(ctx context.Context, collection, field string) error

	// Upsert writes records, replacing any with the same VectorID.
	Upsert(ctx context.Context, collection string, records ...*core.EmbeddingRecord) error

	// Search returns hits ordered by descending score.
	Search(ctx context.Context, collection string, req SearchRequest) ([]*core.SearchHit, error)

	// Scroll returns records matching filter without scoring.
	// A limit of zero returns every match.
	Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]*core.EmbeddingRecord, error)

	// Delete removes every record matching filter and returns how many were removed.
	Delete(ctx context.Context, collection string, filter *Filter) (int, error)

	// Close releases resources held by the index.
	Close() error
}
