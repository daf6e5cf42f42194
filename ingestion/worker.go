package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/embedding"
	"github.com/poiesic/fanout/metrics"
	"github.com/poiesic/fanout/storage"
)

// Outcome is the last state a message reached.
type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeTriggered Outcome = "embedding_triggered"
)

// Worker writes channel messages to the analytical store.
type Worker struct {
	repo           storage.AnalyticsRepository
	producer       *embedding.Producer
	eventsTable    string
	toolTable      string
	triggerEnabled bool
	defaultProject string
	timeout        time.Duration
	recorder       *metrics.Recorder
	logger         *slog.Logger
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

// WithTables sets the events and tool invocation table names.
// Defaults are "events" and "tool_invocations".
func WithTables(events, tools string) Option {
	return func(w *Worker) error {
		if events == "" || tools == "" {
			return errors.New("table names cannot be empty")
		}
		if events == tools {
			return fmt.Errorf("events and tool tables must differ, both are %q", events)
		}
		w.eventsTable = events
		w.toolTable = tools
		return nil
	}
}

// WithEmbeddingTrigger publishes embed_log jobs for user messages through
// producer. A nil producer disables the trigger.
func WithEmbeddingTrigger(producer *embedding.Producer, enabled bool) Option {
	return func(w *Worker) error {
		w.producer = producer
		w.triggerEnabled = enabled
		return nil
	}
}

// WithDefaultProject sets the project of messages whose metadata has no
// project_id. Default is "default".
func WithDefaultProject(project string) Option {
	return func(w *Worker) error {
		if project == "" {
			return errors.New("default project cannot be empty")
		}
		w.defaultProject = project
		return nil
	}
}

// WithTimeout bounds each analytical write. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		w.timeout = d
		return nil
	}
}

// WithMetrics records ingestion counters.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(w *Worker) error {
		w.recorder = recorder
		return nil
	}
}

// NewWorker creates an ingestion worker.
func NewWorker(repo storage.AnalyticsRepository, opts ...Option) (*Worker, error) {
	if repo == nil {
		return nil, ErrAnalyticsRepositoryRequired
	}
	w := &Worker{
		repo:           repo,
		eventsTable:    "events",
		toolTable:      "tool_invocations",
		defaultProject: "default",
		timeout:        30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	w.logger = w.logger.With("component", "ingestion-worker")
	return w, nil
}

// HandleMessage implements channel.Handler.
func (w *Worker) HandleMessage(ctx context.Context, msg *channel.Message) error {
	_, err := w.Process(ctx, msg)
	return err
}

// Process runs one message through the worker and returns the last state it
// reached. A non-nil error means the message was not written.
func (w *Worker) Process(ctx context.Context, msg *channel.Message) (Outcome, error) {
	logger := w.logger.With("message_id", msg.ID, "attempt", msg.DeliveryAttempt)

	record, err := decode(msg.Data)
	if err != nil {
		logger.Error("message rejected", "err", err)
		return "", core.Classify(core.KindInput, "decode", err)
	}

	eventType, tool := route(msg.Attribute("event_type"), record)
	table := w.eventsTable
	if tool {
		table = w.toolTable
	}
	logger = logger.With("event_type", eventType, "table", table)

	row, err := toRow(record, tool)
	if err != nil {
		logger.Error("message rejected", "err", err)
		return "", core.Classify(core.KindInput, "transform", err)
	}

	if err := w.write(ctx, table, row); err != nil {
		logger.Warn("analytical write failed, message will be redelivered", "err", err)
		return "", err
	}
	logger.Debug("row written", "row_key", row.Key())

	if tool {
		return OutcomeWritten, nil
	}
	triggered, err := w.trigger(ctx, record)
	if err != nil {
		logger.Warn("embedding trigger failed", "err", err)
		return OutcomeWritten, nil
	}
	if triggered {
		return OutcomeTriggered, nil
	}
	return OutcomeWritten, nil
}

func (w *Worker) write(ctx context.Context, table string, row storage.Row) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if errs := w.repo.InsertRows(ctx, table, []storage.Row{row}); len(errs) > 0 {
		w.recorder.RowsIngested(ctx, table, metrics.OutcomeFailure, 1)
		return core.Classify(core.KindTransient, "insert rows", errors.Join(errs...))
	}
	w.recorder.RowsIngested(ctx, table, metrics.OutcomeSuccess, 1)
	return nil
}

// trigger publishes an embed_log job for a non-empty user message. The
// returned error is advisory.
func (w *Worker) trigger(ctx context.Context, record map[string]any) (bool, error) {
	if !w.triggerEnabled {
		return false, nil
	}
	job, ok := embedding.ChatMessageJob(record, w.defaultProject)
	if !ok {
		return false, nil
	}
	if w.producer == nil {
		w.recorder.EmbeddingTrigger(ctx, metrics.OutcomeSkipped)
		return false, core.Classify(core.KindAdvisory, "trigger embedding", channel.ErrClosed)
	}

	_, err := w.producer.Submit(ctx, job).Get(ctx)
	w.recorder.EmbeddingTrigger(ctx, metrics.Outcome(err))
	if err != nil {
		return false, core.Classify(core.KindAdvisory, "trigger embedding", err)
	}
	return true, nil
}

// Run subscribes the worker to topic and blocks until ctx ends or the
// subscriber closes.
func (w *Worker) Run(ctx context.Context, sub channel.Subscriber, topic string) error {
	w.logger.Info("ingestion worker started", "topic", topic)
	err := sub.Subscribe(ctx, topic, w.HandleMessage)
	w.logger.Info("ingestion worker stopped", "topic", topic, "err", err)
	return err
}
