// Package metrics records pipeline counters with OpenTelemetry.
//
// A nil *Recorder is valid and records nothing, so components accept one
// unconditionally.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used by NewFromGlobal.
const InstrumentationName = "github.com/poiesic/fanout"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder holds the pipeline instruments.
type Recorder struct {
	hotWrites         metric.Int64Counter
	publishes         metric.Int64Counter
	rowsIngested      metric.Int64Counter
	embeddingTriggers metric.Int64Counter
	embeddings        metric.Int64Counter
	vectorsDeleted    metric.Int64Counter
	embedDuration     metric.Float64Histogram
}

// New creates a Recorder from meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.hotWrites, err = meter.Int64Counter("fanout.hot_writes",
		metric.WithDescription("Hot store writes by outcome"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if r.publishes, err = meter.Int64Counter("fanout.publishes",
		metric.WithDescription("Durable channel publishes by topic and outcome"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.rowsIngested, err = meter.Int64Counter("fanout.rows_ingested",
		metric.WithDescription("Analytical rows written by table and outcome"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, err
	}
	if r.embeddingTriggers, err = meter.Int64Counter("fanout.embedding_triggers",
		metric.WithDescription("Embedding jobs published by the ingestion worker"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if r.embeddings, err = meter.Int64Counter("fanout.embeddings",
		metric.WithDescription("Texts embedded and stored by outcome"),
		metric.WithUnit("{text}"),
	); err != nil {
		return nil, err
	}
	if r.vectorsDeleted, err = meter.Int64Counter("fanout.vectors_deleted",
		metric.WithDescription("Vector records removed by project deletes"),
		metric.WithUnit("{vector}"),
	); err != nil {
		return nil, err
	}
	if r.embedDuration, err = meter.Float64Histogram("fanout.embed.duration",
		metric.WithDescription("Embedding model call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromGlobal creates a Recorder on the global meter provider.
func NewFromGlobal() (*Recorder, error) {
	return New(otel.Meter(InstrumentationName))
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// HotWrite counts one hot store write.
func (r *Recorder) HotWrite(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.hotWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Publish counts one channel publish.
func (r *Recorder) Publish(ctx context.Context, topic, outcome string) {
	if r == nil {
		return
	}
	r.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// RowsIngested counts rows written to table.
func (r *Recorder) RowsIngested(ctx context.Context, table, outcome string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.rowsIngested.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	))
}

// EmbeddingTrigger counts one embed_log job publish attempt.
func (r *Recorder) EmbeddingTrigger(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.embeddingTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Embeddings counts texts processed by the embedding worker.
func (r *Recorder) Embeddings(ctx context.Context, outcome string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.embeddings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// VectorsDeleted counts records removed for a project.
func (r *Recorder) VectorsDeleted(ctx context.Context, n int) {
	if r == nil || n == 0 {
		return
	}
	r.vectorsDeleted.Add(ctx, int64(n))
}

// EmbedDuration records one embedding model call.
func (r *Recorder) EmbedDuration(ctx context.Context, d time.Duration, batch bool) {
	if r == nil {
		return
	}
	r.embedDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("batch", batch)))
}
