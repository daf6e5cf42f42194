package embedding

import (
	"math"
	"time"

	"github.com/poiesic/fanout/core"
)

// Payload field names.
const (
	FieldTextHash       = "text_hash"
	FieldProjectID      = "project_id"
	FieldSourceType     = "source_type"
	FieldContentPreview = "content_preview"
	FieldTimestamp      = "timestamp"
	FieldYear           = "year"
	FieldMonth          = "month"
	FieldDay            = "day"
	FieldHour           = "hour"
	FieldHourBucket     = "hour_bucket"
)

// DefaultSourceType is used when job metadata carries no source_type.
const DefaultSourceType = "log"

// DefaultPreviewLength bounds content_preview in runes.
const DefaultPreviewLength = 500

// PassThroughKeys are copied from job metadata into the payload.
var PassThroughKeys = []string{
	"severity",
	"service",
	"log_id",
	"trace_id",
	"span_id",
	"log_type",
	"source_table",
	"http_status",
	"session_id",
	"user_id",
	"event_id",
}

// IndexedFields get a payload index when the collection is created.
var IndexedFields = []string{FieldProjectID, "severity", "service"}

// BuildPayload assembles the stored payload for one text.
// The timestamp comes from metadata["timestamp"] when it parses, otherwise now.
func BuildPayload(text, projectID string, metadata map[string]any, previewLen int, now time.Time) map[string]any {
	if previewLen <= 0 {
		previewLen = DefaultPreviewLength
	}
	ts := now
	if raw, ok := metadata[FieldTimestamp].(string); ok {
		if parsed, ok := core.ParseTimestamp(raw); ok {
			ts = parsed
		}
	}
	parts := core.DecomposeTime(ts)

	sourceType := DefaultSourceType
	if s, ok := metadata[FieldSourceType].(string); ok && s != "" {
		sourceType = s
	}

	payload := map[string]any{
		FieldTextHash:       core.ContentHash(text),
		FieldProjectID:      projectID,
		FieldSourceType:     sourceType,
		FieldContentPreview: Preview(text, previewLen),
		FieldTimestamp:      parts.ISO,
		FieldYear:           parts.Year,
		FieldMonth:          parts.Month,
		FieldDay:            parts.Day,
		FieldHour:           parts.Hour,
		FieldHourBucket:     parts.HourBucket,
	}
	for _, key := range PassThroughKeys {
		v, ok := metadata[key]
		if !ok || v == nil {
			continue
		}
		payload[key] = wholeNumber(v)
	}
	return payload
}

// Preview truncates text to at most n runes.
func Preview(text string, n int) string {
	if len(text) <= n {
		return text
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

// wholeNumber turns JSON floats with no fraction back into integers so
// http_status 500 is stored as 500, not 500.0.
func wholeNumber(v any) any {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return v
	}
	return int64(f)
}
