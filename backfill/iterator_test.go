package backfill

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/fanout/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowIteratorBatches(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		f.seed(t, storage.Row{storage.ColumnRowKey: key})
	}

	it := NewRowIterator(f.repo, "events", 2)
	scanned, rows, err := it.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, scanned)

	var sizes []int
	require.NoError(t, it.ForEach(context.Background(), rows, func(batch []storage.Row) error {
		sizes = append(sizes, len(batch))
		return nil
	}))
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestRowIteratorStopsOnError(t *testing.T) {
	it := NewRowIterator(nil, "events", 1)
	rows := []storage.Row{{}, {}, {}}
	boom := errors.New("boom")

	calls := 0
	err := it.ForEach(context.Background(), rows, func([]storage.Row) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRowIteratorDefaultBatchSize(t *testing.T) {
	it := NewRowIterator(nil, "events", 0)
	assert.Equal(t, DefaultBatchSize, it.batchSize)
}
