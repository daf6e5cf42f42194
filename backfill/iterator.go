package backfill

import (
	"context"
	"slices"

	"github.com/poiesic/fanout/storage"
)

// DefaultBatchSize is the default number of rows handed to each batch.
const DefaultBatchSize = 100

// RowIterator walks an analytical table in batches with duplicates removed.
type RowIterator struct {
	repo      storage.AnalyticsRepository
	table     string
	batchSize int
}

// NewRowIterator creates a row iterator.
// batchSize: number of rows per batch; non-positive uses DefaultBatchSize
func NewRowIterator(repo storage.AnalyticsRepository, table string, batchSize int) *RowIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RowIterator{repo: repo, table: table, batchSize: batchSize}
}

// Rows reads the whole table and returns it deduplicated by row_key.
// Redeliveries can land far apart, so deduplication needs every row.
func (it *RowIterator) Rows(ctx context.Context) (scanned int, rows []storage.Row, err error) {
	err = it.repo.ScanRows(ctx, it.table, func(r storage.Row) error {
		scanned++
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return scanned, nil, err
	}
	return scanned, storage.DedupeRows(rows), nil
}

// ForEach calls fn for each batch of rows. Iteration stops on the first
// error from fn. Context cancellation is checked between batches.
func (it *RowIterator) ForEach(ctx context.Context, rows []storage.Row, fn func([]storage.Row) error) error {
	for batch := range slices.Chunk(rows, it.batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
