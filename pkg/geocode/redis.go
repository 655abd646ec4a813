package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "annuaire:geocode:"

// RedisCache shares results between processes through Redis. Redis failures
// degrade to cache misses.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("geocode: redis get failed", zap.Error(err))
		}
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		zap.L().Warn("geocode: redis entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &r, true
}

// Set implements Cache. Nil results are ignored.
func (c *RedisCache) Set(ctx context.Context, key string, r *Result, ttl time.Duration) {
	if r == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		zap.L().Warn("geocode: redis set failed", zap.Error(err))
	}
}
