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

// Package search answers filtered similarity queries over the embedding
// collection.
//
// Searcher.Search embeds the query text, checks its dimension against the
// collection and runs a nearest-neighbor search restricted by a conjunctive
// payload filter built from the Query:
//   - equality on project_id, severity, service, log_type, source_table,
//     http_status and trace_id
//   - a range on hour_bucket for HoursBack
//
// Searcher.SearchByTrace lists every record of one trace without scoring.
package search
