//go:build integration

package redis

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

	"ai-billing-api/internal/domain/entity"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewClientFrom(rdb)
}

func TestBalanceCacheCoalescesLoads(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	cache := NewBalanceCache(client, time.Minute)
	accountID := "cache-test-" + t.Name()
	t.Cleanup(func() { client.rdb.Del(context.Background(), BuildBalanceKey(accountID)) })

	var loads atomic.Int32
	loader := func(context.Context) (*entity.Account, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &entity.Account{ID: accountID, Balance: 500, Frozen: 100, Version: 3}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, err := cache.GetOrLoad(ctx, accountID, loader)
			assert.NoError(t, err)
			assert.Equal(t, int64(400), acct.Available())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, cache.Invalidate(ctx, accountID))
	_, err := cache.GetOrLoad(ctx, accountID, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestRateLimiterTokenBucket(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	limiter := NewRateLimiter(client)
	now := time.UnixMilli(1_700_000_000_000)
	limiter.now = func() time.Time { return now }
	key := BuildRateLimitKey("ratelimit:test", "rl-"+t.Name(), "/v1/billing/spend")
	t.Cleanup(func() { client.rdb.Del(context.Background(), key) })

	for i := 0; i < 3; i++ {
		d, err := limiter.Take(ctx, key, 1, 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Take(ctx, key, 1, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Second, d.RetryAfter)

	// 一秒后补充一个令牌
	now = now.Add(time.Second)
	d, err = limiter.Take(ctx, key, 1, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
