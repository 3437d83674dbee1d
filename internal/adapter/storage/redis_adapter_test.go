package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestClientIDCache(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, apiKeyPrefix+"gen_cache_test")

	_, ok, err := adapter.GetClientID(ctx, "gen_cache_test")
	require.NoError(t, err)
	assert.False(t, ok, "expected cache miss")

	require.NoError(t, adapter.SetClientID(ctx, "gen_cache_test", 42, time.Minute))

	clientID, ok, err := adapter.GetClientID(ctx, "gen_cache_test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), clientID)

	ttl := client.TTL(ctx, apiKeyPrefix+"gen_cache_test").Val()
	assert.Greater(t, ttl, time.Duration(0))
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, "test-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key", "token-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expected first call to succeed")

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key", "token-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expected second call to fail")
}

func TestReleaseIdempotency_OnlyOwnerReleases(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, "release-idem-key")
	ok, err := adapter.SetIdempotency(ctx, "release-idem-key", "owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale token must not drop the current claim.
	require.NoError(t, adapter.ReleaseIdempotency(ctx, "release-idem-key", "someone-else"))
	assert.Equal(t, int64(1), client.Exists(ctx, "release-idem-key").Val())

	require.NoError(t, adapter.ReleaseIdempotency(ctx, "release-idem-key", "owner"))
	assert.Equal(t, int64(0), client.Exists(ctx, "release-idem-key").Val())

	ok, err = adapter.SetIdempotency(ctx, "release-idem-key", "retry", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key should be claimable again")
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key", "token", time.Minute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load(), "only one claim may succeed")
}
