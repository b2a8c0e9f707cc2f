package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// NewClient 按配置创建客户端，不检查连通性
func NewClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Init 初始化 Redis 连接，票据注册表和清理任务锁共用同一个客户端
func Init(cfg *config.RedisConfig) error {
	c := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}

	client = c
	return nil
}

// GetClient 获取 Redis 客户端实例
func GetClient() *redis.Client {
	return client
}

// Ping 检查连接，供健康检查使用
func Ping(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("redis 未初始化")
	}
	return client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
