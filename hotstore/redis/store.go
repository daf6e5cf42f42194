// Package redis implements hotstore.Store with Redis hashes.
//
// A document lives at "<prefix><collection>/<id>". String field values are
// stored as-is and everything else as JSON. Each upsert replaces the whole
// hash atomically and optionally refreshes its TTL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/fanout/hotstore"
	"github.com/redis/go-redis/v9"
)

// Store implements hotstore.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ hotstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default "fanout:doc:".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires documents ttl after their last write. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store. The client stays owned by the caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "fanout:doc:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "redis-hotstore")
	return s
}

// Key returns the Redis key of a document.
func (s *Store) Key(collection, id string) string {
	return s.prefix + collection + "/" + id
}

// UpsertDocument replaces the hash at collection/id with fields.
func (s *Store) UpsertDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := hotstore.Validate(collection, id); err != nil {
		return err
	}
	values, err := encodeFields(fields)
	if err != nil {
		return err
	}
	key := s.Key(collection, id)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	s.logger.Debug("document upserted", "key", key, "fields", len(values))
	return nil
}

// GetDocument reads a document back. Values are returned as stored.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.Key(collection, id)).Result()
}

func encodeFields(fields map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case string:
			values[k] = t
		case nil:
			continue
		default:
			data, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode field %s: %w", k, err)
			}
			values[k] = string(data)
		}
	}
	return values, nil
}
