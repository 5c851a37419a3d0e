package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis instance. All keys live under a
// configurable prefix so multiple orchestrators can share one server.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ctx    context.Context
}

// NewRedisStore wraps an existing Redis client. The prefix namespaces every
// key; pass the orchestrator id to isolate instances.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		ctx:    context.Background(),
	}
}

// key applies the store prefix.
func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Set stores value under key. A ttl of zero means no expiry.
func (s *RedisStore) Set(key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(s.ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key. Expiry is handled by Redis.
func (s *RedisStore) Get(key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(s.ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Delete removes key.
func (s *RedisStore) Delete(key string) error {
	if err := s.rdb.Del(s.ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys returns all live keys under the store prefix, with the prefix stripped.
func (s *RedisStore) Keys() ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(s.ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(s.ctx) {
		keys = append(keys, iter.Val()[len(s.prefix)+1:])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Size returns the number of live keys under the store prefix.
func (s *RedisStore) Size() (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear removes all keys under the store prefix.
func (s *RedisStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
