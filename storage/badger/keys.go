package badger

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/poiesic/fanout/storage"
)

// Key prefixes for different data types
const (
	rowPrefix         = "row"
	rowSeqPrefix      = "rowseq"
	collectionPrefix  = "vcol"
	vectorPrefix      = "vec"
	vectorIndexPrefix = "vidx"
)

// validateName rejects names that would break the key layout.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, ":\x00") {
		return fmt.Errorf("%w: %q", storage.ErrInvalidTable, name)
	}
	return nil
}

// makeRowPrefix generates the scan prefix for one table.
// Format: row:table:
func makeRowPrefix(table string) []byte {
	return []byte(rowPrefix + ":" + table + ":")
}

// makeRowKey generates a row key. The sequence is written BigEndian so
// lexicographic order is insertion order.
// Format: row:table:seq
func makeRowKey(table string, seq uint64) []byte {
	prefix := makeRowPrefix(table)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// makeRowSeqKey names the sequence feeding a table's row keys.
func makeRowSeqKey(table string) string {
	return rowSeqPrefix + ":" + table
}

// makeCollectionKey generates the key holding collection metadata.
func makeCollectionKey(collection string) []byte {
	return []byte(collectionPrefix + ":" + collection)
}

// makeVectorPrefix generates the scan prefix for a collection's records.
func makeVectorPrefix(collection string) []byte {
	return []byte(vectorPrefix + ":" + collection + ":")
}

// makeVectorKey generates a key for a record by ID.
// Format: vec:collection:id
func makeVectorKey(collection, id string) []byte {
	return append(makeVectorPrefix(collection), id...)
}

// makeIndexPrefix generates the scan prefix for one field value. Values
// containing ':' can share a prefix with longer values, so candidates found
// through it are always rechecked against the filter.
// Format: vidx:collection:field:value:
func makeIndexPrefix(collection, field, value string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s:", vectorIndexPrefix, collection, field, value))
}

// makeIndexFieldPrefix covers every entry of one indexed field.
func makeIndexFieldPrefix(collection, field string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:", vectorIndexPrefix, collection, field))
}

// makeIndexKey generates a secondary index entry. The value stored under it
// is the record ID.
// Format: vidx:collection:field:value:id
func makeIndexKey(collection, field, value, id string) []byte {
	return append(makeIndexPrefix(collection, field, value), id...)
}
