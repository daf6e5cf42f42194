package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/storage"
)

// Column names shared with the analytical tables.
const (
	ColumnEventID      = "event_id"
	ColumnInvocationID = "invocation_id"
	ColumnEventType    = "event_type"
	ColumnTimestampRaw = "timestamp_raw"
)

// timestampFields are normalized to UTC RFC 3339.
var timestampFields = []string{"timestamp", "started_at", "ended_at"}

// decode parses a message body into a generic record. Numbers stay
// json.Number so large integers survive.
func decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodableMessage, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: body is null", ErrUndecodableMessage)
	}
	return record, nil
}

// route returns the event type of a message and whether it is a tool
// invocation. The message attribute wins over the payload field. A payload
// with neither that carries an invocation_id is a serialized ToolInvocation.
func route(attr string, record map[string]any) (string, bool) {
	eventType := attr
	if eventType == "" {
		eventType, _ = record[ColumnEventType].(string)
	}
	if eventType == "" {
		if id, _ := record[ColumnInvocationID].(string); id != "" {
			eventType = string(core.EventTypeToolInvocation)
		}
	}
	return eventType, eventType == string(core.EventTypeToolInvocation)
}

// toRow flattens a decoded record into an analytical row.
func toRow(record map[string]any, tool bool) (storage.Row, error) {
	keyField := ColumnEventID
	if tool {
		keyField = ColumnInvocationID
	}
	key, _ := record[keyField].(string)
	if key == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingKey, keyField)
	}

	row := storage.Row{storage.ColumnRowKey: key}
	for field, value := range record {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			row[field] = v
		case json.Number:
			row[field] = numberValue(v)
		case bool:
			row[field] = v
		default:
			// metadata, token_usage, client_info, input_args and
			// non-string content.
			text, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", field, err)
			}
			row[field] = string(text)
		}
	}

	for _, field := range timestampFields {
		raw, ok := row[field].(string)
		if !ok {
			continue
		}
		if ts, ok := core.ParseTimestamp(raw); ok {
			row[field] = ts.Format(time.RFC3339Nano)
		} else {
			row[ColumnTimestampRaw] = true
		}
	}
	return row, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
