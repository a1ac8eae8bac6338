package counter

import (
	"context"
	"fmt"
	"time"
)

// Result 一次计数尝试的结果
type Result struct {
	Allowed bool      // 是否在上限之内
	Count   int64     // 当前窗口内已计入的次数
	Limit   int64     // 窗口上限
	ResetAt time.Time // 当前窗口结束时间
}

// Remaining 当前窗口剩余次数
func (r Result) Remaining() int64 {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}

// WindowCounter 固定窗口计数器
// Take 在窗口计数小于 limit 时原子地加一，否则只返回当前计数
type WindowCounter interface {
	Take(ctx context.Context, key string, limit int64, now time.Time) (Result, error)
}

// bucketOf 计算 now 所在窗口的编号与结束时间
func bucketOf(now time.Time, window time.Duration) (int64, time.Time) {
	start := now.Truncate(window)
	return start.Unix() / int64(window/time.Second), start.Add(window)
}

func bucketKey(prefix, key string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", prefix, key, bucket)
}
