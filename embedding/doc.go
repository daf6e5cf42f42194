// Package embedding turns EmbeddingJob messages into vector index records.
//
// The Producer publishes jobs on the durable channel. The Worker consumes
// them: embed_log and embed_batch texts are embedded and stored with a
// content fingerprint, a bounded preview and a decomposed timestamp, and
// delete_project removes every record of a project.
//
// Jobs are delivered at least once. A redelivered embed_log job produces a
// second record with a fresh vector id and the same text_hash unless the
// worker is built WithSkipDuplicates.
package embedding
