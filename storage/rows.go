package storage

import (
	"time"

	"github.com/poiesic/fanout/core"
)

// Columns every analytical row carries.
const (
	ColumnRowKey     = "row_key"
	ColumnIngestedAt = "ingested_at"
)

// Key returns the row's natural key, or "" if it has none.
func (r Row) Key() string {
	k, _ := r[ColumnRowKey].(string)
	return k
}

// IngestedAt returns when the row was written. ok is false if the column is
// missing or unparseable.
func (r Row) IngestedAt() (time.Time, bool) {
	switch v := r[ColumnIngestedAt].(type) {
	case time.Time:
		return v, true
	case string:
		return core.ParseTimestamp(v)
	}
	return time.Time{}, false
}

// DedupeRows collapses redelivered copies of the same record. Rows sharing a
// row_key are reduced to the one with the latest ingested_at; ties keep the
// later row. Rows without a key are kept as-is. Output order follows the first
// occurrence of each key.
func DedupeRows(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	pos := make(map[string]int, len(rows))
	for _, row := range rows {
		key := row.Key()
		if key == "" {
			out = append(out, row)
			continue
		}
		i, seen := pos[key]
		if !seen {
			pos[key] = len(out)
			out = append(out, row)
			continue
		}
		if !newer(out[i], row) {
			out[i] = row
		}
	}
	return out
}

// newer reports whether a was ingested strictly after b.
func newer(a, b Row) bool {
	ta, okA := a.IngestedAt()
	tb, okB := b.IngestedAt()
	switch {
	case okA && okB:
		return ta.After(tb)
	case okA:
		return true
	}
	return false
}
