// Package backfill replays the analytical events table into the embedding
// pipeline.
//
// It reads every row of the events table, drops redelivered duplicates,
// selects user chat messages with content and publishes one embed_log job
// per message through an embedding.Producer. Publishes are retried with
// exponential backoff and progress is written to a caller supplied writer.
package backfill
