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

// Package fanout wires the dual-write pipeline from a config.Config: the hot
// store, the durable channel, the analytical store, the vector index, the
// embedding model and the workers consuming the channel.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/fanout/ai"
	"github.com/poiesic/fanout/ai/openai"
	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/channel/memory"
	"github.com/poiesic/fanout/channel/redisstream"
	"github.com/poiesic/fanout/config"
	"github.com/poiesic/fanout/dualwrite"
	"github.com/poiesic/fanout/embedding"
	"github.com/poiesic/fanout/hotstore"
	hotredis "github.com/poiesic/fanout/hotstore/redis"
	"github.com/poiesic/fanout/ingestion"
	"github.com/poiesic/fanout/metrics"
	"github.com/poiesic/fanout/search"
	"github.com/poiesic/fanout/storage"
	"github.com/poiesic/fanout/storage/badger"
	"github.com/poiesic/fanout/storage/postgres"
)

// System holds every component built from one configuration.
type System struct {
	cfg    *config.Config
	logger *slog.Logger

	backend   *badger.Backend
	analytics storage.AnalyticsRepository
	vectors   storage.VectorIndex
	hot       hotstore.Store
	bus       channel.Bus
	redis     goredis.UniversalClient
	ownsRedis bool
	metrics   *metrics.Local
	recorder  *metrics.Recorder

	embedder ai.Embedder
	provMu   sync.Mutex
	provider ai.AIProvider

	producer     *embedding.Producer
	orchestrator *dualwrite.Orchestrator
	ingestion    *ingestion.Worker
	embedding    *embedding.Worker

	searchOnce sync.Once
	searcher   *search.Searcher
	searchErr  error
}

// Option configures a System.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	embedder ai.Embedder
	provider ai.AIProvider
	redis    goredis.UniversalClient
}

// WithLogger sets the logger handed to every component.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmbedder uses embedder instead of the configured OpenAI-compatible
// service.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(o *options) {
		o.embedder = embedder
	}
}

// WithProvider uses provider instead of building one from the configured
// embedding service. The System closes it. WithEmbedder takes precedence.
func WithProvider(provider ai.AIProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithRedisClient uses client for the redis backends instead of dialing
// the configured address. The client stays owned by the caller.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(o *options) {
		o.redis = client
	}
}

// Open builds a System from cfg. The embedding model is not contacted until
// the first job or search needs it.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (sys *System, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	s := &System{
		cfg:      cfg,
		logger:   o.logger.With("component", "fanout"),
		embedder: o.embedder,
		provider: o.provider,
		redis:    o.redis,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.metrics = metrics.NewLocal()
	if s.recorder, err = s.metrics.Recorder(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	recorder := s.recorder

	s.backend, err = badger.OpenBackend(cfg.Storage.Path, cfg.Storage.InMemory,
		badger.WithLogger(o.logger), badger.WithSyncWrites(cfg.Storage.SyncWrites))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.vectors = badger.NewVectorIndex(s.backend)

	if err = s.openAnalytics(ctx, o.logger); err != nil {
		return nil, err
	}
	if err = s.openHotStore(o.logger); err != nil {
		return nil, err
	}
	if err = s.openBus(o.logger); err != nil {
		return nil, err
	}

	s.producer, err = embedding.NewProducer(s.bus, cfg.Channel.JobsTopic,
		embedding.WithProducerLogger(o.logger),
		embedding.WithPublishTimeout(cfg.DualWrite.PublishTimeout))
	if err != nil {
		return nil, err
	}

	dw := cfg.DualWrite
	s.orchestrator, err = dualwrite.New(s.hot,
		dualwrite.WithLogger(o.logger),
		dualwrite.WithPublisher(s.bus),
		dualwrite.WithSwitches(dualwrite.Switches{
			Enabled:         dw.Enabled,
			HotPathEnabled:  dw.HotPathEnabled,
			ColdPathEnabled: dw.ColdPathEnabled,
			PublishEnabled:  dw.PublishEnabled,
		}),
		dualwrite.WithCollection(dw.HotCollection),
		dualwrite.WithTopic(cfg.Channel.EventsTopic),
		dualwrite.WithTimeouts(dw.HotTimeout, dw.PublishTimeout),
		dualwrite.WithPoolSize(cfg.Worker.PoolSize),
		dualwrite.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}

	s.ingestion, err = ingestion.NewWorker(s.analytics,
		ingestion.WithLogger(o.logger),
		ingestion.WithTables(cfg.Analytics.EventsTable, cfg.Analytics.ToolTable),
		ingestion.WithEmbeddingTrigger(s.producer, cfg.Embedding.TriggerEnabled),
		ingestion.WithDefaultProject(cfg.Embedding.DefaultProject),
		ingestion.WithTimeout(cfg.Analytics.Timeout),
		ingestion.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}

	embedOpts := []embedding.Option{
		embedding.WithLogger(o.logger),
		embedding.WithCollection(cfg.Embedding.Collection),
		embedding.WithDimension(cfg.Embedding.Dimension),
		embedding.WithPreviewLength(cfg.Embedding.PreviewLength),
		embedding.WithVectorTimeout(cfg.Embedding.VectorTimeout),
		embedding.WithSkipDuplicates(cfg.Embedding.SkipDuplicates),
		embedding.WithMetrics(recorder),
	}
	if s.embedder != nil {
		embedOpts = append(embedOpts, embedding.WithEmbedder(s.embedder))
	}
	s.embedding, err = embedding.NewWorker(s.vectors, s.modelEmbedder, embedOpts...)
	if err != nil {
		return nil, err
	}

	s.logger.Info("system opened",
		"analytics", cfg.Analytics.Backend,
		"hotstore", cfg.HotStore.Backend,
		"channel", cfg.Channel.Backend,
		"collection", cfg.Embedding.Collection)
	return s, nil
}

func (s *System) openAnalytics(ctx context.Context, logger *slog.Logger) error {
	switch s.cfg.Analytics.Backend {
	case config.BackendPostgres:
		repo, err := postgres.NewAnalyticsRepository(ctx, s.cfg.Analytics.DSN,
			postgres.WithLogger(logger),
			postgres.WithMaxConns(s.cfg.Analytics.MaxConns))
		if err != nil {
			return fmt.Errorf("open analytics: %w", err)
		}
		s.analytics = repo
	default:
		s.analytics = badger.NewAnalyticsRepository(s.backend)
	}
	return nil
}

func (s *System) redisClient() goredis.UniversalClient {
	if s.redis == nil {
		s.redis = goredis.NewClient(&goredis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		s.ownsRedis = true
	}
	return s.redis
}

func (s *System) openHotStore(logger *slog.Logger) error {
	switch s.cfg.HotStore.Backend {
	case config.BackendRedis:
		s.hot = hotredis.New(s.redisClient(),
			hotredis.WithPrefix(s.cfg.HotStore.Prefix),
			hotredis.WithTTL(s.cfg.HotStore.TTL),
			hotredis.WithLogger(logger))
	default:
		s.hot = hotstore.NewMemory()
	}
	return nil
}

func (s *System) openBus(logger *slog.Logger) error {
	ch := s.cfg.Channel
	switch ch.Backend {
	case config.BackendRedis:
		bus, err := redisstream.New(s.redisClient(), redisstream.Config{
			StreamPrefix:  ch.StreamPrefix,
			Group:         ch.Group,
			Consumer:      ch.Consumer,
			MaxLen:        ch.MaxLen,
			Block:         ch.Block,
			ClaimIdle:     ch.ClaimIdle,
			MaxDeliveries: int64(ch.MaxDeliveries),
			PoolSize:      s.cfg.Worker.PoolSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		s.bus = bus
	default:
		opts := []memory.Option{
			memory.WithLogger(logger),
			memory.WithPoolSize(s.cfg.Worker.PoolSize),
			memory.WithMaxDeliveries(ch.MaxDeliveries),
			memory.WithRedeliveryDelay(ch.RedeliveryDelay),
		}
		if ch.BufferSize > 0 {
			opts = append(opts, memory.WithBufferSize(ch.BufferSize))
		}
		bus, err := memory.NewBus(opts...)
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		s.bus = bus
	}
	return nil
}

// modelEmbedder returns the configured embedder, creating the provider on
// first use. A failed creation is retried on the next call.
func (s *System) modelEmbedder() (ai.Embedder, error) {
	if s.embedder != nil {
		return s.embedder, nil
	}
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if s.provider == nil {
		provider, err := openai.NewProvider(s.cfg.AI())
		if err != nil {
			return nil, err
		}
		s.provider = provider
	}
	return s.provider.Embedder(), nil
}

// Config returns the configuration the system was built from.
func (s *System) Config() *config.Config { return s.cfg }

// Orchestrator returns the dual-write orchestrator.
func (s *System) Orchestrator() *dualwrite.Orchestrator { return s.orchestrator }

// IngestionWorker returns the cold-storage ingestion worker.
func (s *System) IngestionWorker() *ingestion.Worker { return s.ingestion }

// EmbeddingWorker returns the embedding job consumer.
func (s *System) EmbeddingWorker() *embedding.Worker { return s.embedding }

// Producer returns the embedding job producer.
func (s *System) Producer() *embedding.Producer { return s.producer }

// Bus returns the durable channel.
func (s *System) Bus() channel.Bus { return s.bus }

// Analytics returns the analytical store.
func (s *System) Analytics() storage.AnalyticsRepository { return s.analytics }

// Vectors returns the vector index.
func (s *System) Vectors() storage.VectorIndex { return s.vectors }

// HotStore returns the hot store.
func (s *System) HotStore() hotstore.Store { return s.hot }

// Metrics returns the process-local meter provider.
func (s *System) Metrics() *metrics.Local { return s.metrics }

// Recorder returns the recorder every component reports to.
func (s *System) Recorder() *metrics.Recorder { return s.recorder }

// Searcher returns the semantic searcher, creating the embedding provider
// if needed.
func (s *System) Searcher() (*search.Searcher, error) {
	s.searchOnce.Do(func() {
		embedder, err := s.modelEmbedder()
		if err != nil {
			s.searchErr = fmt.Errorf("%w: %w", embedding.ErrModelInit, err)
			return
		}
		s.searcher, s.searchErr = search.NewSearcher(s.vectors, embedder,
			search.WithLogger(s.logger),
			search.WithCollection(s.cfg.Embedding.Collection),
			search.WithDimension(s.cfg.Embedding.Dimension),
			search.WithTimeout(s.cfg.Embedding.VectorTimeout))
	})
	return s.searcher, s.searchErr
}

// RunWorkers consumes the events and jobs topics until ctx ends or a worker
// stops with an error.
func (s *System) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ingestion.Run(ctx, s.bus, s.cfg.Channel.EventsTopic)
	})
	g.Go(func() error {
		return s.embedding.Run(ctx, s.bus, s.cfg.Channel.JobsTopic)
	})
	return g.Wait()
}

// Close releases every component. Pending publish continuations are drained
// before the channel closes.
func (s *System) Close() error {
	var errs []error
	closeWith := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.logger.Error("error closing component", "component", name, "err", err)
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	if s.orchestrator != nil {
		closeWith("orchestrator", s.orchestrator.Close)
	}
	if s.bus != nil {
		closeWith("channel", s.bus.Close)
	}
	s.provMu.Lock()
	if s.provider != nil {
		closeWith("provider", s.provider.Close)
	}
	s.provMu.Unlock()
	if s.analytics != nil {
		closeWith("analytics", s.analytics.Close)
	}
	if s.vectors != nil {
		closeWith("vectors", s.vectors.Close)
	}
	if s.backend != nil {
		closeWith("storage", s.backend.Close)
	}
	if s.redis != nil && s.ownsRedis {
		closeWith("redis", s.redis.Close)
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeWith("metrics", func() error { return s.metrics.Shutdown(ctx) })
	}
	return errors.Join(errs...)
}
