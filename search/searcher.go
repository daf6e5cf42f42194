package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/fanout/ai"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/storage"
)

const (
	// DefaultLimit is used when a query sets no limit.
	DefaultLimit = 10
	// DefaultTraceLimit is used when SearchByTrace gets no limit.
	DefaultTraceLimit = 100
)

// Query describes one similarity search. Empty filter fields are ignored.
type Query struct {
	Text string

	ProjectID   string
	Severity    string
	Service     string
	LogType     string
	SourceTable string
	HTTPStatus  int
	TraceID     string

	// HoursBack keeps records whose hour_bucket is within the last N hours.
	HoursBack int

	Limit          int
	Params         storage.SearchParams
	ScoreThreshold *float32

	// Verbatim drops hits whose content preview does not contain every
	// non-stop word of Text.
	Verbatim bool
}

// Searcher runs queries against one vector collection.
type Searcher struct {
	index      storage.VectorIndex
	embedder   ai.Embedder
	collection string
	dimension  int
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithCollection sets the collection to search. Default is "log_embeddings".
func WithCollection(name string) Option {
	return func(s *Searcher) error {
		if name == "" {
			return errors.New("collection name cannot be empty")
		}
		s.collection = name
		return nil
	}
}

// WithDimension sets the expected query dimension. Default is ai.DefaultDimension.
func WithDimension(dim int) Option {
	return func(s *Searcher) error {
		if dim <= 0 {
			return fmt.Errorf("dimension must be positive, got %d", dim)
		}
		s.dimension = dim
		return nil
	}
}

// WithTimeout bounds each vector index call. Default is 10s.
func WithTimeout(d time.Duration) Option {
	return func(s *Searcher) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		s.timeout = d
		return nil
	}
}

// withClock is used by tests to pin HoursBack.
func withClock(now func() time.Time) Option {
	return func(s *Searcher) error {
		s.now = now
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(index storage.VectorIndex, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if index == nil {
		return nil, ErrVectorIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		index:      index,
		embedder:   embedder,
		collection: "log_embeddings",
		dimension:  ai.DefaultDimension,
		timeout:    10 * time.Second,
		now:        time.Now,
		logger:     slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher", "collection", s.collection)
	return s, nil
}

// Search returns hits for q ordered by descending score.
func (s *Searcher) Search(ctx context.Context, q Query) ([]*core.SearchHit, error) {
	return s.SearchWithMonitor(ctx, q, nil)
}

// SearchWithMonitor searches with monitoring.
// The monitor receives callbacks at each stage of the search process.
func (s *Searcher) SearchWithMonitor(ctx context.Context, q Query, monitor SearchMonitor) ([]*core.SearchHit, error) {
	// Use noop monitor if none provided
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if q.Text == "" {
		return nil, ErrEmptyQuery
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	monitor.Start(q)

	vector, err := s.embedder.EmbedText(ctx, q.Text)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", q.Text, "err", err)
		return nil, err
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, collection %s expects %d", ErrDimensionMismatch, len(vector), s.collection, s.dimension)
	}
	monitor.AfterEmbed(vector)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hits, err := s.index.Search(ctx, s.collection, storage.SearchRequest{
		Vector:         vector,
		Filter:         s.filter(q),
		Limit:          q.Limit,
		Params:         q.Params,
		ScoreThreshold: q.ScoreThreshold,
	})
	if errors.Is(err, storage.ErrCollectionNotFound) {
		s.logger.Debug("collection does not exist yet")
		hits, err = nil, nil
	}
	if err != nil {
		s.logger.Error("error querying for similar records", "err", err)
		return nil, err
	}
	monitor.AfterSearch(hits)

	results := hits
	if q.Verbatim {
		results = make([]*core.SearchHit, 0, len(hits))
		for _, hit := range hits {
			preview, _ := hit.Payload["content_preview"].(string)
			if containsAllQueryWords(preview, q.Text) {
				results = append(results, hit)
			}
		}
	}
	if results == nil {
		results = []*core.SearchHit{}
	}
	monitor.Finish(results)
	return results, nil
}

// filter builds the conjunctive payload filter of q.
func (s *Searcher) filter(q Query) *storage.Filter {
	var conds []storage.Condition
	match := func(field, value string) {
		if value != "" {
			conds = append(conds, storage.MatchCondition(field, value))
		}
	}
	match("project_id", q.ProjectID)
	match("severity", q.Severity)
	match("service", q.Service)
	match("log_type", q.LogType)
	match("source_table", q.SourceTable)
	match("trace_id", q.TraceID)
	if q.HTTPStatus != 0 {
		conds = append(conds, storage.MatchCondition("http_status", q.HTTPStatus))
	}
	if q.HoursBack > 0 {
		since := s.now().Add(-time.Duration(q.HoursBack) * time.Hour)
		from := float64(core.HourBucket(since))
		conds = append(conds, storage.RangeCondition("hour_bucket", storage.Range{Gte: &from}))
	}
	if len(conds) == 0 {
		return nil
	}
	return storage.NewFilter(conds...)
}

// SearchByTrace returns up to limit records carrying traceID, each with
// score 1.0.
func (s *Searcher) SearchByTrace(ctx context.Context, traceID string, limit int) ([]*core.SearchHit, error) {
	if traceID == "" {
		return nil, ErrEmptyTraceID
	}
	if limit <= 0 {
		limit = DefaultTraceLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.index.Scroll(ctx, s.collection, storage.FieldMatch("trace_id", traceID), limit)
	if errors.Is(err, storage.ErrCollectionNotFound) {
		return []*core.SearchHit{}, nil
	}
	if err != nil {
		s.logger.Error("error scrolling trace", "trace_id", traceID, "err", err)
		return nil, err
	}

	hits := make([]*core.SearchHit, len(records))
	for i, rec := range records {
		hits[i] = &core.SearchHit{ID: rec.VectorID, Score: 1.0, Payload: rec.Payload}
	}
	s.logger.Debug("trace scrolled", "trace_id", traceID, "hits", len(hits), "limit", limit)
	return hits, nil
}
