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

package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/embedding"
	"github.com/poiesic/fanout/metrics"
	"github.com/poiesic/fanout/storage"
)

// Config holds configuration for a backfill run.
type Config struct {
	// Table is the analytical table holding chat events.
	Table string

	// BatchSize is the number of rows handed to each batch.
	BatchSize int

	// ReportInterval is how often to report progress (number of rows).
	ReportInterval int

	// MaxRetries is the maximum number of publish attempts per job.
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration

	// DefaultProject is used for messages without metadata.project_id.
	DefaultProject string

	// Since skips events timestamped before it. Zero keeps every event.
	Since time.Time

	// DryRun counts eligible messages without publishing.
	DryRun bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Table:          "events",
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		MaxRetryDelay:  30 * time.Second,
		DefaultProject: "default",
	}
}

// Report summarizes a backfill run.
type Report struct {
	// Scanned counts rows read from the table, duplicates included.
	Scanned int
	// Unique counts rows left after deduplication.
	Unique int
	// Eligible counts user messages that qualify for embedding.
	Eligible int
	// Published counts jobs accepted by the channel.
	Published int
	// Failed counts jobs that could not be published after retries.
	Failed int
}

// Backfiller replays stored chat events as embedding jobs.
type Backfiller struct {
	iterator *RowIterator
	producer *embedding.Producer
	config   *Config
	progress io.Writer
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// Option configures a Backfiller.
type Option func(*Backfiller)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backfiller) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithProgress sets where progress output is written.
func WithProgress(w io.Writer) Option {
	return func(b *Backfiller) {
		b.progress = w
	}
}

// WithMetrics records each published job as an embedding trigger.
func WithMetrics(r *metrics.Recorder) Option {
	return func(b *Backfiller) {
		b.recorder = r
	}
}

// New creates a Backfiller. A nil config uses DefaultConfig.
func New(repo storage.AnalyticsRepository, producer *embedding.Producer, config *Config, opts ...Option) (*Backfiller, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if producer == nil && !config.DryRun {
		return nil, ErrProducerRequired
	}

	b := &Backfiller{
		iterator: NewRowIterator(repo, config.Table, config.BatchSize),
		producer: producer,
		config:   config,
		progress: io.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "backfill", "table", config.Table)
	return b, nil
}

// Run reads the table and publishes one embedding job per eligible message.
// Jobs that still fail after retries are counted in the report; Run returns
// an error only when the table cannot be read or ctx ends.
func (b *Backfiller) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	scanned, rows, err := b.iterator.Rows(ctx)
	report.Scanned = scanned
	if err != nil {
		return report, fmt.Errorf("failed to scan %s: %w", b.config.Table, err)
	}
	report.Unique = len(rows)

	if len(rows) == 0 {
		fmt.Fprintf(b.progress, "No rows found in %s (0 rows)\n", b.config.Table)
		return report, nil
	}

	fmt.Fprintf(b.progress, "Starting backfill of %d rows (batch size: %d)\n", len(rows), b.iterator.batchSize)

	tracker := NewProgressTracker(b.progress, len(rows), b.config.ReportInterval)
	tracker.Start()

	err = b.iterator.ForEach(ctx, rows, func(batch []storage.Row) error {
		for _, row := range batch {
			job, ok := b.jobFor(row)
			if !ok {
				continue
			}
			report.Eligible++
			if b.config.DryRun {
				continue
			}
			if err := b.publish(ctx, job); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Failed++
				b.logger.Warn("failed to publish embedding job", "row_key", row.Key(), "err", err)
				continue
			}
			report.Published++
		}
		tracker.Increment(len(batch))
		return nil
	})
	if err != nil {
		return report, err
	}

	tracker.Finish()

	elapsed := tracker.Elapsed()
	fmt.Fprintf(b.progress, "Backfill complete. %d eligible, %d published, %d failed in %v\n",
		report.Eligible, report.Published, report.Failed, elapsed.Round(time.Millisecond))

	b.logger.Info("backfill complete",
		"scanned", report.Scanned,
		"unique", report.Unique,
		"eligible", report.Eligible,
		"published", report.Published,
		"failed", report.Failed,
		"dryRun", b.config.DryRun)
	return report, nil
}

// jobFor builds the embedding job for a stored event row.
func (b *Backfiller) jobFor(row storage.Row) (*core.EmbeddingJob, bool) {
	ts, hasTS := rowTimestamp(row)
	if !b.config.Since.IsZero() && (!hasTS || ts.Before(b.config.Since)) {
		return nil, false
	}
	job, ok := embedding.ChatMessageJob(row, b.config.DefaultProject)
	if !ok {
		return nil, false
	}
	if hasTS {
		job.Metadata["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	return job, true
}

func (b *Backfiller) publish(ctx context.Context, job *core.EmbeddingJob) error {
	policy := RetryPolicy{
		MaxAttempts: b.config.MaxRetries,
		BaseDelay:   b.config.RetryDelay,
		MaxDelay:    b.config.MaxRetryDelay,
	}
	err := RetryWithBackoff(ctx, policy, func(ctx context.Context) error {
		_, err := b.producer.Submit(ctx, job).Get(ctx)
		return err
	})
	b.recorder.EmbeddingTrigger(ctx, metrics.Outcome(err))
	return err
}

func rowTimestamp(row storage.Row) (time.Time, bool) {
	s, ok := row["timestamp"].(string)
	if !ok {
		return time.Time{}, false
	}
	return core.ParseTimestamp(s)
}
