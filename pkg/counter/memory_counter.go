package counter

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// MemoryCounter 进程内固定窗口计数器，单实例部署或Redis不可用时使用
type MemoryCounter struct {
	buckets sync.Map // key -> *memoryBucket
	prefix  string
	window  time.Duration
}

// NewMemoryCounter 创建内存计数器
func NewMemoryCounter(prefix string, window time.Duration) *MemoryCounter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryCounter{prefix: prefix, window: window}
}

// Take 实现 WindowCounter
func (c *MemoryCounter) Take(_ context.Context, key string, limit int64, now time.Time) (Result, error) {
	bucket, resetAt := bucketOf(now, c.window)
	value, _ := c.buckets.LoadOrStore(bucketKey(c.prefix, key, bucket), &memoryBucket{resetAt: resetAt})
	b := value.(*memoryBucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	result := Result{Limit: limit, ResetAt: resetAt}
	if b.count >= limit {
		result.Count = b.count
		return result, nil
	}
	b.count++
	result.Allowed = true
	result.Count = b.count
	return result, nil
}

// Sweep 清理已结束的窗口，返回清理数量
func (c *MemoryCounter) Sweep(now time.Time) int {
	removed := 0
	c.buckets.Range(func(key, value interface{}) bool {
		b := value.(*memoryBucket)
		b.mu.Lock()
		expired := !now.Before(b.resetAt)
		b.mu.Unlock()
		if expired {
			c.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len 当前保存的窗口数量
func (c *MemoryCounter) Len() int {
	n := 0
	c.buckets.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
