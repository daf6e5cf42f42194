// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the storage abstraction layer for fanout.
//
// This package defines the two durable contracts of the pipeline:
//
//   - AnalyticsRepository: the append-only cold-path store. Rows are written
//     at least once; readers collapse redelivered copies with DedupeRows.
//   - VectorIndex: named collections of embedding records with payload
//     filters and similarity search.
//
// # Constructor Return Type Pattern
//
// Public constructors return interface types so consumers never couple to a
// backend:
//
//	repo := badger.NewAnalyticsRepository(backend)  // storage.AnalyticsRepository
//	index := badger.NewVectorIndex(backend)         // storage.VectorIndex
//	pg, err := postgres.NewAnalyticsRepository(ctx, dsn)
//
// # Filters
//
// Filter is a conjunction of Match and Range conditions on payload fields.
// Absent conditions are omitted, never treated as wildcards. Equality is
// evaluated on ValueKey so integers survive a JSON round trip.
//
//	f := storage.NewFilter(
//	    storage.MatchCondition("project_id", "p1"),
//	    storage.RangeCondition("hour_bucket", storage.Range{Gte: &from}),
//	)
//
// # Thread Safety
//
// All implementations must be thread-safe and support concurrent access
// from multiple goroutines.
package storage
