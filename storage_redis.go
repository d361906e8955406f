package tggl

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists the flag state under a single Redis key. The
// client is shared, not owned; Close does not close it.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

type RedisStorageOption func(*RedisStorage)

// WithRedisTTL expires the stored state after d. Zero means no expiry.
func WithRedisTTL(d time.Duration) RedisStorageOption {
	return func(s *RedisStorage) {
		s.ttl = d
	}
}

func NewRedisStorage(client redis.UniversalClient, key string, options ...RedisStorageOption) *RedisStorage {
	s := &RedisStorage{
		client: client,
		key:    key,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *RedisStorage) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	return data, nil
}

func (s *RedisStorage) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *RedisStorage) Close() error {
	return nil
}
