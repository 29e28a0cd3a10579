// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &RedisStore{
		client: client,
		ttl:    5 * time.Minute,
		logger: zerolog.Nop(),
	}
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStore_PutLatest(t *testing.T) {
	_, store := setupMiniRedis(t)

	store.Put(Sample{Module: "gps", Status: "status_report", Data: map[string]any{"fix": "3d"}})

	got, ok := store.Latest("gps")
	require.True(t, ok)
	assert.Equal(t, "gps", got.Module)
	assert.Equal(t, "3d", got.Data["fix"])

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestRedisStore_Missing(t *testing.T) {
	_, store := setupMiniRedis(t)

	_, ok := store.Latest("eyetracker")
	assert.False(t, ok)
	assert.Equal(t, int64(1), store.Stats().Misses)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, store := setupMiniRedis(t)
	store.ttl = 100 * time.Millisecond

	store.Put(Sample{Module: "drt", Data: map[string]any{"hits": 1.0}})
	_, ok := store.Latest("drt")
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	_, ok = store.Latest("drt")
	assert.False(t, ok)
}

func TestRedisStore_SnapshotAndClear(t *testing.T) {
	_, store := setupMiniRedis(t)

	store.Put(Sample{Module: "gps"})
	store.Put(Sample{Module: "audio"})
	assert.Len(t, store.Snapshot(), 2)

	store.Delete("gps")
	assert.Len(t, store.Snapshot(), 1)

	store.Clear()
	assert.Empty(t, store.Snapshot())
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr, store := setupMiniRedis(t)

	require.NoError(t, store.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, store.HealthCheck(context.Background()))
}
