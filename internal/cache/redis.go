// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "labrig:sample:"

// RedisStore is a Redis-backed Store, for rigs where a separate
// analysis host wants the live samples too.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
	stats  struct {
		hits      atomic.Int64
		misses    atomic.Int64
		puts      atomic.Int64
		evictions atomic.Int64
	}
}

// RedisConfig holds the Redis connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and returns the sample store.
func NewRedisStore(cfg RedisConfig, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis sample store")

	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

func (c *RedisStore) Put(s Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn().Err(err).Str("module", s.Module).Msg("sample marshal failed")
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+s.Module, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("module", s.Module).Msg("redis set failed")
		return
	}
	c.stats.puts.Add(1)
}

func (c *RedisStore) Latest(module string) (Sample, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, redisKeyPrefix+module).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return Sample{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("module", module).Msg("redis get failed")
		c.stats.misses.Add(1)
		return Sample{}, false
	}

	var s Sample
	if err := json.Unmarshal(val, &s); err != nil {
		c.logger.Warn().Err(err).Str("module", module).Msg("sample unmarshal failed")
		c.stats.misses.Add(1)
		return Sample{}, false
	}
	c.stats.hits.Add(1)
	return s, true
}

func (c *RedisStore) Snapshot() []Sample {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		out    []Sample
		cursor uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			c.logger.Warn().Err(err).Msg("redis scan failed")
			return out
		}
		for _, key := range keys {
			val, err := c.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var s Sample
			if err := json.Unmarshal(val, &s); err != nil {
				continue
			}
			out = append(out, s)
		}
		cursor = next
		if cursor == 0 {
			return out
		}
	}
}

func (c *RedisStore) Delete(module string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, redisKeyPrefix+module).Err(); err != nil {
		c.logger.Warn().Err(err).Str("module", module).Msg("redis delete failed")
	}
}

func (c *RedisStore) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			c.logger.Warn().Err(err).Msg("redis scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn().Err(err).Msg("redis delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *RedisStore) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var size int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			break
		}
		size += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Puts:        c.stats.puts.Load(),
		Evictions:   c.stats.evictions.Load(),
		CurrentSize: size,
	}
}

// Close releases the Redis connection.
func (c *RedisStore) Close() error { return c.client.Close() }

// HealthCheck reports whether Redis answers.
func (c *RedisStore) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
