// Package config loads fanout configuration.
//
// Configuration is read from, in increasing priority:
//  1. defaults (setDefaults)
//  2. a YAML file (optional unless a path is given explicitly)
//  3. environment variables prefixed FANOUT_, with dots replaced by
//     underscores (embedding.dimension -> FANOUT_EMBEDDING_DIMENSION)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/poiesic/fanout/ai"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "FANOUT"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	DualWrite DualWriteConfig `mapstructure:"dualwrite"`
	HotStore  HotStoreConfig  `mapstructure:"hotstore"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// DualWriteConfig holds the orchestrator switches. They are read once when
// the orchestrator is built.
type DualWriteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HotPathEnabled  bool          `mapstructure:"hot_path_enabled"`
	ColdPathEnabled bool          `mapstructure:"cold_path_enabled"`
	PublishEnabled  bool          `mapstructure:"publish_enabled"`
	HotCollection   string        `mapstructure:"hot_collection"`
	HotTimeout      time.Duration `mapstructure:"hot_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

// HotStoreConfig selects the hot store.
type HotStoreConfig struct {
	Backend string        `mapstructure:"backend"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ChannelConfig selects the durable channel and names its topics.
type ChannelConfig struct {
	Backend         string        `mapstructure:"backend"`
	EventsTopic     string        `mapstructure:"events_topic"`
	JobsTopic       string        `mapstructure:"jobs_topic"`
	MaxDeliveries   int           `mapstructure:"max_deliveries"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
	BufferSize      int           `mapstructure:"buffer_size"`
	StreamPrefix    string        `mapstructure:"stream_prefix"`
	Group           string        `mapstructure:"group"`
	Consumer        string        `mapstructure:"consumer"`
	MaxLen          int64         `mapstructure:"max_len"`
	Block           time.Duration `mapstructure:"block"`
	ClaimIdle       time.Duration `mapstructure:"claim_idle"`
}

// RedisConfig is shared by the redis hot store and the redis stream channel.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AnalyticsConfig selects the analytical store.
type AnalyticsConfig struct {
	Backend     string        `mapstructure:"backend"`
	EventsTable string        `mapstructure:"events_table"`
	ToolTable   string        `mapstructure:"tool_table"`
	DSN         string        `mapstructure:"dsn"`
	MaxConns    int32         `mapstructure:"max_conns"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StorageConfig locates the badger database holding the embedded analytical
// tables and the vector index.
type StorageConfig struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// EmbeddingConfig configures the model, the vector collection and the
// ingestion trigger.
type EmbeddingConfig struct {
	Host           string        `mapstructure:"host"`
	Model          string        `mapstructure:"model"`
	APIToken       string        `mapstructure:"api_token"`
	Dimension      int           `mapstructure:"dimension"`
	Timeout        time.Duration `mapstructure:"timeout"`
	VectorTimeout  time.Duration `mapstructure:"vector_timeout"`
	Collection     string        `mapstructure:"collection"`
	PreviewLength  int           `mapstructure:"preview_length"`
	TriggerEnabled bool          `mapstructure:"trigger_enabled"`
	DefaultProject string        `mapstructure:"default_project"`
	SkipDuplicates bool          `mapstructure:"skip_duplicates"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// Load reads configuration. An empty path searches for fanout.yaml in the
// working directory and $HOME/.config/fanout, and a missing file is fine.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fanout")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fanout")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks for configuration errors.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Log.Format, "text", "json"), "log.format must be text or json, got %q", c.Log.Format)
	check(oneOf(c.HotStore.Backend, BackendMemory, BackendRedis), "hotstore.backend must be memory or redis, got %q", c.HotStore.Backend)
	check(oneOf(c.Channel.Backend, BackendMemory, BackendRedis), "channel.backend must be memory or redis, got %q", c.Channel.Backend)
	check(oneOf(c.Analytics.Backend, BackendBadger, BackendPostgres), "analytics.backend must be badger or postgres, got %q", c.Analytics.Backend)

	check(c.DualWrite.HotCollection != "", "dualwrite.hot_collection must not be empty")
	check(c.DualWrite.HotTimeout > 0, "dualwrite.hot_timeout must be positive")
	check(c.DualWrite.PublishTimeout > 0, "dualwrite.publish_timeout must be positive")
	check(c.Channel.EventsTopic != "", "channel.events_topic must not be empty")
	check(c.Channel.JobsTopic != "", "channel.jobs_topic must not be empty")
	check(c.Channel.EventsTopic != c.Channel.JobsTopic, "channel.events_topic and channel.jobs_topic must differ")
	check(c.Channel.MaxDeliveries > 0, "channel.max_deliveries must be positive")
	check(c.Analytics.EventsTable != "", "analytics.events_table must not be empty")
	check(c.Analytics.ToolTable != "", "analytics.tool_table must not be empty")
	check(c.Analytics.Timeout > 0, "analytics.timeout must be positive")
	check(c.Embedding.Dimension > 0, "embedding.dimension must be positive")
	check(c.Embedding.Collection != "", "embedding.collection must not be empty")
	check(c.Embedding.PreviewLength > 0, "embedding.preview_length must be positive")
	check(c.Embedding.VectorTimeout > 0, "embedding.vector_timeout must be positive")
	check(c.Embedding.DefaultProject != "", "embedding.default_project must not be empty")

	if c.Analytics.Backend == BackendPostgres {
		check(c.Analytics.DSN != "", "analytics.dsn is required for the postgres backend")
	}
	if c.HotStore.Backend == BackendRedis || c.Channel.Backend == BackendRedis {
		check(c.Redis.Addr != "", "redis.addr is required for redis backends")
	}
	// The vector index lives in badger whatever the analytics backend.
	check(c.Storage.InMemory || c.Storage.Path != "", "storage.path is required unless storage.in_memory is set")
	return errors.Join(errs...)
}

// AI returns the embedding model configuration.
func (c *Config) AI() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIToken(c.Embedding.APIToken),
		ai.WithDimension(c.Embedding.Dimension),
		ai.WithTimeout(c.Embedding.Timeout),
	)
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Dual write
	v.SetDefault("dualwrite.enabled", true)
	v.SetDefault("dualwrite.hot_path_enabled", true)
	v.SetDefault("dualwrite.cold_path_enabled", true)
	v.SetDefault("dualwrite.publish_enabled", true)
	v.SetDefault("dualwrite.hot_collection", "chat_sessions")
	v.SetDefault("dualwrite.hot_timeout", "5s")
	v.SetDefault("dualwrite.publish_timeout", "10s")

	// Hot store
	v.SetDefault("hotstore.backend", BackendMemory)
	v.SetDefault("hotstore.prefix", "fanout:doc:")
	v.SetDefault("hotstore.ttl", "0s")

	// Channel
	v.SetDefault("channel.backend", BackendMemory)
	v.SetDefault("channel.events_topic", "events")
	v.SetDefault("channel.jobs_topic", "embedding-jobs")
	v.SetDefault("channel.max_deliveries", 5)
	v.SetDefault("channel.redelivery_delay", "50ms")
	v.SetDefault("channel.buffer_size", 1024)
	v.SetDefault("channel.stream_prefix", "fanout:")
	v.SetDefault("channel.group", "fanout")
	v.SetDefault("channel.consumer", "")
	v.SetDefault("channel.max_len", 100000)
	v.SetDefault("channel.block", "2s")
	v.SetDefault("channel.claim_idle", "30s")

	// Redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Analytics
	v.SetDefault("analytics.backend", BackendBadger)
	v.SetDefault("analytics.events_table", "events")
	v.SetDefault("analytics.tool_table", "tool_invocations")
	v.SetDefault("analytics.dsn", "")
	v.SetDefault("analytics.max_conns", 10)
	v.SetDefault("analytics.timeout", "30s")

	// Storage
	v.SetDefault("storage.path", "./fanout-data")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.sync_writes", false)

	// Embedding
	defaults := ai.DefaultConfig()
	v.SetDefault("embedding.host", defaults.EmbeddingHost)
	v.SetDefault("embedding.model", defaults.EmbeddingModel)
	v.SetDefault("embedding.api_token", defaults.APIToken)
	v.SetDefault("embedding.dimension", defaults.Dimension)
	v.SetDefault("embedding.timeout", defaults.Timeout.String())
	v.SetDefault("embedding.vector_timeout", "10s")
	v.SetDefault("embedding.collection", "log_embeddings")
	v.SetDefault("embedding.preview_length", 500)
	v.SetDefault("embedding.trigger_enabled", true)
	v.SetDefault("embedding.default_project", "default")
	v.SetDefault("embedding.skip_duplicates", false)

	// Worker pool
	v.SetDefault("worker.pool_size", 0)
}
