package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/fanout/storage"
)

// AnalyticsRepository implements storage.AnalyticsRepository for BadgerDB.
// Rows are stored as JSON under per-table sequence keys, so a scan returns
// them in insertion order.
type AnalyticsRepository struct {
	backend *Backend

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

var _ storage.AnalyticsRepository = (*AnalyticsRepository)(nil)

// NewAnalyticsRepository creates an analytics repository on backend.
// The backend is shared and is not closed by the repository.
func NewAnalyticsRepository(backend *Backend) storage.AnalyticsRepository {
	return newAnalyticsRepository(backend)
}

func newAnalyticsRepository(backend *Backend) *AnalyticsRepository {
	return &AnalyticsRepository{
		backend: backend,
		seqs:    make(map[string]*badger.Sequence),
	}
}

// Close releases the row sequences.
func (r *AnalyticsRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for table, seq := range r.seqs {
		if err := seq.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release sequence for %s: %w", table, err)
		}
	}
	r.seqs = make(map[string]*badger.Sequence)
	return firstErr
}

func (r *AnalyticsRepository) sequence(table string) (*badger.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.seqs[table]; ok {
		return seq, nil
	}
	seq, err := r.backend.GetSequence(makeRowSeqKey(table))
	if err != nil {
		return nil, err
	}
	r.seqs[table] = seq
	return seq, nil
}

// InsertRows appends rows to table. Rows that cannot be encoded are reported
// individually and the rest are still written. A failed commit fails every row.
func (r *AnalyticsRepository) InsertRows(ctx context.Context, table string, rows []storage.Row) []error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failAll(rows, err)
	}
	if err := validateName(table); err != nil {
		return failAll(rows, err)
	}
	seq, err := r.sequence(table)
	if err != nil {
		return failAll(rows, err)
	}

	var errs []error
	encoded := make([][]byte, 0, len(rows))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, row := range rows {
		stamped := make(storage.Row, len(row)+1)
		for k, v := range row {
			stamped[k] = v
		}
		if _, ok := stamped[storage.ColumnIngestedAt]; !ok {
			stamped[storage.ColumnIngestedAt] = now
		}
		data, err := json.Marshal(stamped)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w: %w", i, storage.ErrSerializationFailed, err))
			continue
		}
		encoded = append(encoded, data)
	}
	if len(encoded) == 0 {
		return errs
	}

	err = r.backend.WithTx(func(tx *badger.Txn) error {
		for _, data := range encoded {
			next, err := seq.Next()
			if err != nil {
				return err
			}
			if err := tx.Set(makeRowKey(table, next), data); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return failAll(rows, fmt.Errorf("insert into %s: %w", table, err))
	}
	return errs
}

// ScanRows calls fn for each row of table in insertion order.
func (r *AnalyticsRepository) ScanRows(ctx context.Context, table string, fn func(storage.Row) error) error {
	if err := validateName(table); err != nil {
		return err
	}
	return r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeRowPrefix(table)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var row storage.Row
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			})
			if err != nil {
				return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
			}
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// CountRows returns the number of rows stored in table.
func (r *AnalyticsRepository) CountRows(ctx context.Context, table string) (int64, error) {
	if err := validateName(table); err != nil {
		return 0, err
	}
	var count int64
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeRowPrefix(table)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return ctx.Err()
	}, false)
	return count, err
}

func failAll(rows []storage.Row, err error) []error {
	errs := make([]error, len(rows))
	for i := range rows {
		errs[i] = fmt.Errorf("row %d: %w", i, err)
	}
	return errs
}
