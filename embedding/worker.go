package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/fanout/ai"
	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/metrics"
	"github.com/poiesic/fanout/storage"
)

// EmbedderFactory builds the embedding model client. It is called lazily on
// the first job that needs a model; a failure is fatal for the worker.
type EmbedderFactory func() (ai.Embedder, error)

// ItemResult is the outcome of one text of a job.
type ItemResult struct {
	Index     int    `json:"index"`
	VectorID  string `json:"vector_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobResult reports what a job did. Input and per-item failures are
// reported here rather than as errors.
type JobResult struct {
	Action       core.Action  `json:"action"`
	ProjectID    string       `json:"project_id"`
	Success      bool         `json:"success"`
	Error        string       `json:"error,omitempty"`
	VectorIDs    []string     `json:"vector_ids,omitempty"`
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	Items        []ItemResult `json:"items,omitempty"`
	Deleted      int          `json:"deleted,omitempty"`
}

func failedResult(job *core.EmbeddingJob, err error) *JobResult {
	r := &JobResult{Error: err.Error()}
	if job != nil {
		r.Action = job.Action
		r.ProjectID = job.ProjectID
	}
	return r
}

// Worker consumes EmbeddingJobs.
type Worker struct {
	store    *Store
	factory  EmbedderFactory
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	embedder ai.Embedder
}

// Option configures a Worker.
type Option func(*Worker) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) error {
		if logger == nil {
			logger = slog.Default()
		}
		w.logger = logger
		return nil
	}
}

// WithCollection sets the vector collection. Default is "log_embeddings".
func WithCollection(name string) Option {
	return func(w *Worker) error {
		if name == "" {
			return errors.New("collection name cannot be empty")
		}
		w.store.collection = name
		return nil
	}
}

// WithDimension sets the collection dimension. Default is ai.DefaultDimension.
func WithDimension(dim int) Option {
	return func(w *Worker) error {
		if dim <= 0 {
			return fmt.Errorf("dimension must be positive, got %d", dim)
		}
		w.store.dimension = dim
		return nil
	}
}

// WithPreviewLength bounds content_preview in runes. Default is 500.
func WithPreviewLength(n int) Option {
	return func(w *Worker) error {
		if n <= 0 {
			return fmt.Errorf("preview length must be positive, got %d", n)
		}
		w.store.previewLen = n
		return nil
	}
}

// WithVectorTimeout bounds each vector index call. Default is 10s.
func WithVectorTimeout(d time.Duration) Option {
	return func(w *Worker) error {
		if d <= 0 {
			return fmt.Errorf("vector timeout must be positive, got %s", d)
		}
		w.store.timeout = d
		return nil
	}
}

// WithSkipDuplicates reuses an existing record of the same project and
// text_hash instead of inserting another one.
func WithSkipDuplicates(skip bool) Option {
	return func(w *Worker) error {
		w.store.skipDuplicates = skip
		return nil
	}
}

// WithEmbedder uses an already built embedder instead of a factory.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(w *Worker) error {
		w.embedder = embedder
		return nil
	}
}

// WithMetrics records embedding counters.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(w *Worker) error {
		w.recorder = recorder
		return nil
	}
}

// withClock is used by tests to pin payload timestamps.
func withClock(now func() time.Time) Option {
	return func(w *Worker) error {
		w.store.now = now
		return nil
	}
}

// NewWorker creates an embedding worker writing to index. factory may be nil
// when WithEmbedder is given.
func NewWorker(index storage.VectorIndex, factory EmbedderFactory, opts ...Option) (*Worker, error) {
	if index == nil {
		return nil, ErrNilIndex
	}
	w := &Worker{
		factory: factory,
		logger:  slog.Default(),
	}
	w.store = newStore(index, "log_embeddings", ai.DefaultDimension, nil)
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.factory == nil && w.embedder == nil {
		return nil, errors.New("embedder or embedder factory required")
	}
	w.logger = w.logger.With("component", "embedding-worker", "collection", w.store.collection)
	w.store.logger = w.logger
	return w, nil
}

// Collection returns the vector collection the worker writes to.
func (w *Worker) Collection() string {
	return w.store.collection
}

func (w *Worker) model() (ai.Embedder, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.embedder != nil {
		return w.embedder, nil
	}
	embedder, err := w.factory()
	if err != nil {
		return nil, core.Classify(core.KindFatal, "init embedding model", fmt.Errorf("%w: %w", ErrModelInit, err))
	}
	w.embedder = embedder
	return embedder, nil
}

// Process runs one job. The error is non-nil only when the worker cannot
// continue (ErrModelInit); everything else is reported in the result.
func (w *Worker) Process(ctx context.Context, job *core.EmbeddingJob) (*JobResult, error) {
	if err := job.Validate(); err != nil {
		return failedResult(job, err), nil
	}

	switch job.Action {
	case core.ActionDeleteProject:
		return w.deleteProject(ctx, job), nil
	case core.ActionEmbedLog:
		embedder, err := w.model()
		if err != nil {
			return failedResult(job, err), err
		}
		return w.embedLog(ctx, embedder, job), nil
	case core.ActionEmbedBatch:
		embedder, err := w.model()
		if err != nil {
			return failedResult(job, err), err
		}
		return w.embedBatch(ctx, embedder, job), nil
	}
	// Validate rejects unknown actions.
	return failedResult(job, core.ErrUnknownAction), nil
}

func (w *Worker) embedLog(ctx context.Context, embedder ai.Embedder, job *core.EmbeddingJob) *JobResult {
	result := &JobResult{Action: job.Action, ProjectID: job.ProjectID}

	start := time.Now()
	vector, err := embedder.EmbedText(ctx, job.Text)
	w.recorder.EmbedDuration(ctx, time.Since(start), false)
	if err == nil {
		var stored *StoredVector
		stored, err = w.store.Put(ctx, job.ProjectID, job.Text, vector, job.Metadata)
		if err == nil {
			result.Success = true
			result.SuccessCount = 1
			result.VectorIDs = []string{stored.VectorID}
			result.Items = []ItemResult{{VectorID: stored.VectorID, Duplicate: stored.Duplicate}}
		}
	}
	if err != nil {
		w.logger.Warn("embed_log failed", "project_id", job.ProjectID, "err", err)
		result.Error = err.Error()
		result.FailedCount = 1
		result.Items = []ItemResult{{Error: err.Error()}}
	}
	w.recorder.Embeddings(ctx, metrics.OutcomeSuccess, result.SuccessCount)
	w.recorder.Embeddings(ctx, metrics.OutcomeFailure, result.FailedCount)
	return result
}

// embedBatch stores one record per non-empty text. Empty texts are reported
// as failed items in their position.
func (w *Worker) embedBatch(ctx context.Context, embedder ai.Embedder, job *core.EmbeddingJob) *JobResult {
	result := &JobResult{
		Action:    job.Action,
		ProjectID: job.ProjectID,
		Items:     make([]ItemResult, len(job.Texts)),
	}

	var positions []int
	var texts []string
	for i, text := range job.Texts {
		result.Items[i].Index = i
		if text == "" {
			result.Items[i].Error = core.ErrEmptyText.Error()
			continue
		}
		positions = append(positions, i)
		texts = append(texts, text)
	}

	vectors, errs := w.embedAll(ctx, embedder, texts)
	for k, pos := range positions {
		item := &result.Items[pos]
		if errs[k] != nil {
			item.Error = errs[k].Error()
			continue
		}
		stored, err := w.store.Put(ctx, job.ProjectID, texts[k], vectors[k], job.Metadata)
		if err != nil {
			item.Error = err.Error()
			continue
		}
		item.VectorID = stored.VectorID
		item.Duplicate = stored.Duplicate
		result.VectorIDs = append(result.VectorIDs, stored.VectorID)
	}

	for _, item := range result.Items {
		if item.Error != "" {
			result.FailedCount++
		} else {
			result.SuccessCount++
		}
	}
	result.Success = result.FailedCount == 0
	if result.FailedCount > 0 {
		result.Error = fmt.Sprintf("%d of %d texts failed", result.FailedCount, len(job.Texts))
		w.logger.Warn("embed_batch partially failed", "project_id", job.ProjectID,
			"succeeded", result.SuccessCount, "failed", result.FailedCount)
	}
	w.recorder.Embeddings(ctx, metrics.OutcomeSuccess, result.SuccessCount)
	w.recorder.Embeddings(ctx, metrics.OutcomeFailure, result.FailedCount)
	return result
}

// embedAll embeds texts in one call and falls back to one call per text when
// the batch call fails or returns the wrong number of vectors.
func (w *Worker) embedAll(ctx context.Context, embedder ai.Embedder, texts []string) ([][]float32, []error) {
	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	if len(texts) == 0 {
		return vectors, errs
	}

	start := time.Now()
	batch, err := embedder.EmbedTexts(ctx, texts)
	w.recorder.EmbedDuration(ctx, time.Since(start), true)
	if err == nil && len(batch) == len(texts) {
		copy(vectors, batch)
		return vectors, errs
	}
	if err == nil {
		err = fmt.Errorf("%w: sent %d texts, received %d vectors", ai.ErrEmbeddingCountMismatch, len(texts), len(batch))
	}
	w.logger.Warn("batch embedding failed, falling back to single calls", "texts", len(texts), "err", err)

	for i, text := range texts {
		start := time.Now()
		vectors[i], errs[i] = embedder.EmbedText(ctx, text)
		w.recorder.EmbedDuration(ctx, time.Since(start), false)
	}
	return vectors, errs
}

func (w *Worker) deleteProject(ctx context.Context, job *core.EmbeddingJob) *JobResult {
	result := &JobResult{Action: job.Action, ProjectID: job.ProjectID}
	n, err := w.store.DeleteProject(ctx, job.ProjectID)
	result.Deleted = n
	if err != nil {
		w.logger.Error("delete_project failed", "project_id", job.ProjectID, "deleted", n, "err", err)
		result.Error = err.Error()
	} else {
		result.Success = true
		w.logger.Info("project deleted", "project_id", job.ProjectID, "deleted", n)
	}
	w.recorder.VectorsDeleted(ctx, n)
	return result
}

// HandleMessage adapts Process to channel.Handler. Every message is
// acknowledged except when the model cannot be built, which stops the
// subscription.
func (w *Worker) HandleMessage(ctx context.Context, msg *channel.Message) error {
	logger := w.logger.With("message_id", msg.ID, "attempt", msg.DeliveryAttempt)

	job, err := DecodeJob(msg.Data)
	if err != nil {
		logger.Error("dropping undecodable job", "err", err)
		return nil
	}

	result, err := w.Process(ctx, job)
	if err != nil {
		if errors.Is(err, ErrModelInit) {
			return channel.Fatal(err)
		}
		logger.Error("job failed", "err", err)
		return nil
	}

	if !result.Success {
		logger.Warn("job finished with failures", "action", result.Action, "project_id", result.ProjectID,
			"succeeded", result.SuccessCount, "failed", result.FailedCount, "err", result.Error)
		return nil
	}
	logger.Debug("job done", "action", result.Action, "project_id", result.ProjectID,
		"vectors", len(result.VectorIDs), "deleted", result.Deleted)
	return nil
}

// Run subscribes the worker to topic and blocks until ctx ends, the
// subscriber closes, or the model fails to initialize.
func (w *Worker) Run(ctx context.Context, sub channel.Subscriber, topic string) error {
	w.logger.Info("embedding worker started", "topic", topic)
	err := sub.Subscribe(ctx, topic, w.HandleMessage)
	w.logger.Info("embedding worker stopped", "topic", topic, "err", err)
	return err
}
