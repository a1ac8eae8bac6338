package counter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterCeiling(t *testing.T) {
	c := NewMemoryCounter("test", time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		res, err := c.Take(ctx, "cred:1", 3, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i), res.Count)
	}

	res, err := c.Take(ctx, "cred:1", 3, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Count)
	assert.Equal(t, int64(0), res.Remaining())
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), res.ResetAt)

	// 下一个窗口重新计数
	res, err = c.Take(ctx, "cred:1", 3, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)

	// 不同键互不影响
	res, err = c.Take(ctx, "cred:2", 3, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryCounterConcurrent(t *testing.T) {
	c := NewMemoryCounter("test", time.Minute)
	now := time.Now()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Take(context.Background(), "cred:9", 10, now)
			if err == nil && res.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
}

func TestMemoryCounterSweep(t *testing.T) {
	c := NewMemoryCounter("test", time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _ = c.Take(context.Background(), "a", 5, now)
	_, _ = c.Take(context.Background(), "b", 5, now.Add(time.Minute))
	require.Equal(t, 2, c.Len())

	assert.Equal(t, 1, c.Sweep(now.Add(90*time.Second)))
	assert.Equal(t, 1, c.Len())
}

// Redis 测试需要本地可用的 Redis，否则跳过
func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	defer client.Close()

	prefix := fmt.Sprintf("invoicegate:test:%d", time.Now().UnixNano())
	c := NewRedisCounterWithClient(client, prefix, time.Minute)
	now := time.Now()

	for i := 1; i <= 2; i++ {
		res, err := c.Take(context.Background(), "cred:1", 2, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i), res.Count)
	}

	res, err := c.Take(context.Background(), "cred:1", 2, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(2), res.Count)
}
