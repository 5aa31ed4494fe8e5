package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/erp/reconciliation/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	host, port, ok := strings.Cut(endpoint, ":")
	require.True(t, ok)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return config.RedisConfig{Enabled: true, Host: host, Port: p}
}

func TestRedisIdempotencyStore(t *testing.T) {
	cfg := startRedis(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, cfg)
	require.NoError(t, err)
	store := NewRedisIdempotencyStore(client, "")
	t.Cleanup(func() { _ = store.Close() })

	t.Run("marks a key once", func(t *testing.T) {
		isNew, err := store.MarkProcessed(ctx, "upload-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, isNew)

		isNew, err = store.MarkProcessed(ctx, "upload-a", time.Minute)
		require.NoError(t, err)
		assert.False(t, isNew)
	})

	t.Run("stores keys under the default prefix with a TTL", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "upload-b", time.Minute)
		require.NoError(t, err)

		ttl, err := client.TTL(ctx, DefaultKeyPrefix+"upload-b").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("reports processed keys", func(t *testing.T) {
		processed, err := store.IsProcessed(ctx, "never-seen")
		require.NoError(t, err)
		assert.False(t, processed)

		_, _ = store.MarkProcessed(ctx, "upload-c", time.Minute)
		processed, err = store.IsProcessed(ctx, "upload-c")
		require.NoError(t, err)
		assert.True(t, processed)
	})
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestIdempotencyStoreFactory_CreateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("uses memory when Redis is disabled", func(t *testing.T) {
		store, client, err := NewIdempotencyStoreFactory(config.RedisConfig{}).CreateStore(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		assert.IsType(t, &InMemoryIdempotencyStore{}, store)
		assert.Nil(t, client)
	})

	t.Run("falls back to memory when Redis is unreachable", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(config.RedisConfig{Enabled: true, Host: "cache", Port: 6379})
		f.connect = func(context.Context, config.RedisConfig) (*redis.Client, error) {
			return nil, errors.New("connection refused")
		}

		store, client, err := f.CreateStore(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		assert.IsType(t, &InMemoryIdempotencyStore{}, store)
		assert.Nil(t, client)
	})

	t.Run("fails when fallback is disabled", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(config.RedisConfig{Enabled: true, Host: "cache", Port: 6379},
			WithInMemoryFallback(false))
		f.connect = func(context.Context, config.RedisConfig) (*redis.Client, error) {
			return nil, errors.New("connection refused")
		}

		_, _, err := f.CreateStore(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis required")
	})

	t.Run("returns the Redis store and shared client", func(t *testing.T) {
		cfg := startRedis(t)

		store, client, err := NewIdempotencyStoreFactory(cfg).CreateStore(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		assert.IsType(t, &RedisIdempotencyStore{}, store)
		require.NotNil(t, client)
		assert.NoError(t, client.Ping(ctx).Err())
	})
}
