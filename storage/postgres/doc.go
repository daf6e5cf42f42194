// Package postgres implements storage.AnalyticsRepository on PostgreSQL
// through a shared pgxpool.
//
// Each analytical table holds the full row as JSONB next to its natural key
// and ingestion time:
//
//	CREATE TABLE IF NOT EXISTS events (
//	    id          BIGSERIAL PRIMARY KEY,
//	    row_key     TEXT,
//	    ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    data        JSONB NOT NULL
//	);
//
// Tables are created on first use unless WithAutoCreate(false) is given.
// Inserts never deduplicate; readers use storage.DedupeRows.
package postgres
