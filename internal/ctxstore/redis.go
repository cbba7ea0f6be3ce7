package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dialogflow/internal/model"
)

// RedisStore is the external-KV Context Store variant, selected when
// REDIS_URL is configured.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and pings it once to fail fast.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ctxstore: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ctxstore: redis ping: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.SessionState, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ctxstore: redis get: %w", err)
	}
	var snap model.SessionState
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("ctxstore: decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, snapshot *model.SessionState) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("ctxstore: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("ctxstore: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ctxstore: redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, "*"+KeySuffix, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ctxstore: redis scan: %w", err)
	}
	return keys, nil
}
