// Package ingestion provides the cold-path worker that copies events from the
// durable channel into the analytical store.
//
// Each message moves through received, decoded, routed, written and,
// for user chat messages, embedding-triggered before it is acknowledged:
//   - Messages whose event_type is tool_invocation go to the tool table,
//     everything else to the events table
//   - Any failure up to and including the analytical write returns an error
//     so the channel redelivers the message
//   - Failures after the write are logged and swallowed
//
// Delivery is at least once, so the same row can be written twice. Rows
// carry their natural key in row_key and readers deduplicate with
// storage.DedupeRows.
package ingestion
