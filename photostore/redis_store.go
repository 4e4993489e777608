package photostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps photos as Redis strings under {prefix}{ref}.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a RedisStore.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore(client, "photoremote:photo:", 10*time.Minute)
//
// Parameters:
//   - client: Connected Redis client
//   - prefix: Key prefix; Count only sees keys with this prefix
//   - ttl: Key expiry; zero keeps photos until deleted
//
// Returns:
//   - The store
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(ref string) string {
	return s.prefix + ref
}

func (s *RedisStore) Save(ctx context.Context, ref string, data []byte) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(ref), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

func (s *RedisStore) Load(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.Del(ctx, s.key(ref)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Count scans the key space for the store prefix.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan keys: %w", err)
	}

	return n, nil
}
