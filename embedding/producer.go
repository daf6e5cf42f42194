package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/core"
)

// Producer publishes EmbeddingJobs to the jobs topic.
type Producer struct {
	publisher channel.Publisher
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerLogger sets a custom logger.
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublishTimeout bounds each publish. Default is 10s.
func WithPublishTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) {
		p.timeout = d
	}
}

// NewProducer creates a Producer publishing to topic.
func NewProducer(publisher channel.Publisher, topic string, opts ...ProducerOption) (*Producer, error) {
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if topic == "" {
		return nil, channel.ErrEmptyTopic
	}
	p := &Producer{
		publisher: publisher,
		topic:     topic,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "embedding-producer", "topic", topic)
	return p, nil
}

// Submit validates and publishes job. The returned result resolves once the
// channel accepted or rejected the message; an invalid job fails at once.
func (p *Producer) Submit(ctx context.Context, job *core.EmbeddingJob) *channel.PublishResult {
	if err := job.Validate(); err != nil {
		return channel.Failed(err)
	}
	data, err := EncodeJob(job)
	if err != nil {
		return channel.Failed(fmt.Errorf("encode job: %w", err))
	}
	attrs := map[string]string{
		"action":     string(job.Action),
		"project_id": job.ProjectID,
	}

	// The publish outlives this call; the timeout is released when it resolves.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	res := p.publisher.Publish(pubCtx, p.topic, data, attrs)
	go func() {
		<-res.Ready()
		cancel()
	}()
	p.logger.Debug("job submitted", "action", job.Action, "project_id", job.ProjectID)
	return res
}

// EmbedLog publishes an embed_log job.
func (p *Producer) EmbedLog(ctx context.Context, projectID, text string, metadata map[string]any) *channel.PublishResult {
	return p.Submit(ctx, &core.EmbeddingJob{
		Action:    core.ActionEmbedLog,
		ProjectID: projectID,
		Text:      text,
		Metadata:  metadata,
	})
}

// EmbedBatch publishes an embed_batch job.
func (p *Producer) EmbedBatch(ctx context.Context, projectID string, texts []string, metadata map[string]any) *channel.PublishResult {
	return p.Submit(ctx, &core.EmbeddingJob{
		Action:    core.ActionEmbedBatch,
		ProjectID: projectID,
		Texts:     texts,
		Metadata:  metadata,
	})
}

// DeleteProject publishes a delete_project job.
func (p *Producer) DeleteProject(ctx context.Context, projectID string) *channel.PublishResult {
	return p.Submit(ctx, &core.EmbeddingJob{
		Action:    core.ActionDeleteProject,
		ProjectID: projectID,
	})
}
