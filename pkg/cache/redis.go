package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis, backing the fetcher's response
// cache on its own when the configured cache backend is "redis"
type RedisCache struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration

	hits   int64
	misses int64
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(client *redis.Client, keyPrefix string, defaultTTL time.Duration) *RedisCache {
	if defaultTTL == 0 {
		defaultTTL = 5 * time.Minute
	}

	return &RedisCache{
		client:     client,
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value from Redis
func (rc *RedisCache) Get(ctx context.Context, key string) (interface{}, error) {
	fullKey := rc.getKey(key)

	data, err := rc.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			rc.misses++
			return nil, errors.New("key not found")
		}
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	rc.hits++
	return value, nil
}

// GetBytes retrieves raw bytes from Redis, used for cached segment/key/map
// response bodies
func (rc *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	fullKey := rc.getKey(key)

	data, err := rc.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			rc.misses++
			return nil, errors.New("key not found")
		}
		return nil, err
	}

	rc.hits++
	return data, nil
}

// Set stores a value in Redis
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	fullKey := rc.getKey(key)

	if ttl == 0 {
		ttl = rc.defaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return rc.client.Set(ctx, fullKey, data, ttl).Err()
}

// SetBytes stores raw bytes in Redis
func (rc *RedisCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	fullKey := rc.getKey(key)

	if ttl == 0 {
		ttl = rc.defaultTTL
	}

	return rc.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	fullKey := rc.getKey(key)
	return rc.client.Del(ctx, fullKey).Err()
}

// Exists checks if a key exists in Redis
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := rc.getKey(key)

	count, err := rc.client.Exists(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// Clear clears all keys with the prefix
func (rc *RedisCache) Clear(ctx context.Context) error {
	pattern := rc.keyPrefix + "*"

	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		rc.client.Del(ctx, iter.Val())
	}

	return iter.Err()
}

// Keys returns all keys with the prefix
func (rc *RedisCache) Keys(ctx context.Context) ([]string, error) {
	pattern := rc.keyPrefix + "*"

	keys := make([]string, 0)
	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(rc.keyPrefix) {
			keys = append(keys, key[len(rc.keyPrefix):])
		}
	}

	return keys, iter.Err()
}

// Stats returns cache statistics
func (rc *RedisCache) Stats(ctx context.Context) (CacheStats, error) {
	pattern := rc.keyPrefix + "*"
	count := 0

	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		count++
	}

	if err := iter.Err(); err != nil {
		return CacheStats{}, err
	}

	stats := CacheStats{
		Hits:   rc.hits,
		Misses: rc.misses,
		Size:   count,
	}

	total := rc.hits + rc.misses
	if total > 0 {
		stats.HitRate = float64(rc.hits) / float64(total)
	}

	return stats, nil
}

// getKey returns the full key with prefix
func (rc *RedisCache) getKey(key string) string {
	return rc.keyPrefix + key
}
