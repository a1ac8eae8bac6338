package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// takeScript 未达上限时 INCR，首次写入时设置过期
// KEYS[1] = 窗口键
// ARGV[1] = 上限
// ARGV[2] = 过期秒数
var takeScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
    return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// RedisCounter 基于Redis的固定窗口计数器，多实例部署时共享计数
type RedisCounter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisCounter 创建Redis计数器实例
func NewRedisCounter(config *Config, window time.Duration) *RedisCounter {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisCounterWithClient(client, config.Prefix, window)
}

// NewRedisCounterWithClient 复用已有客户端
func NewRedisCounterWithClient(client *redis.Client, prefix string, window time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "invoicegate:rl"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisCounter{
		client: client,
		prefix: prefix,
		window: window,
	}
}

// Take 实现 WindowCounter
func (c *RedisCounter) Take(ctx context.Context, key string, limit int64, now time.Time) (Result, error) {
	bucket, resetAt := bucketOf(now, c.window)
	redisKey := bucketKey(c.prefix, key, bucket)
	// 多留一个窗口，避免时钟偏差导致键提前消失
	ttl := int64((2 * c.window) / time.Second)

	res, err := takeScript.Run(ctx, c.client, []string{redisKey}, limit, ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("窗口计数失败: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("窗口计数返回格式错误: %v", res)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)

	return Result{
		Allowed: allowed == 1,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}

// Ping 测试Redis连接
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
