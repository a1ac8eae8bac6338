package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invoicegate/pkg/config"
	"invoicegate/pkg/counter"

	"github.com/go-redis/redis/v8"
)

var (
	redisClient     *redis.Client
	redisClientOnce sync.Once
)

// GetRedisClient 获取Redis客户端的单例实例
func GetRedisClient(cfg *config.Config) *redis.Client {
	redisClientOnce.Do(func() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	})
	return redisClient
}

// NewMinuteCounter 创建共享的分钟计数器，启动时先探测连接
func NewMinuteCounter(ctx context.Context, cfg *config.Config) (*counter.RedisCounter, error) {
	client := GetRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %v", err)
	}
	return counter.NewRedisCounterWithClient(client, cfg.Redis.Prefix, time.Minute), nil
}

// CloseRedis 关闭Redis连接
func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
