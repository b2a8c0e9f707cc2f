package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockingStrategy 集群内互斥，保证同一时刻至多一个节点执行清理
type LockingStrategy interface {
	Acquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// NoOpLockingStrategy 总是成功，只适用于单节点部署
type NoOpLockingStrategy struct{}

func (NoOpLockingStrategy) Acquire(context.Context) bool { return true }

func (NoOpLockingStrategy) Release(context.Context) {}

// DefaultLockKey 清理任务锁的键名
const DefaultLockKey = "cas:lock:ticket-registry-cleaner"

// 只有持有者才能释放锁
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockingStrategy 基于 SET NX PX 的分布式锁，锁超时后自动失效
type RedisLockingStrategy struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	owner string
}

// NewRedisLockingStrategy 创建 Redis 锁，key 为空时使用 DefaultLockKey
func NewRedisLockingStrategy(client *redis.Client, key string, timeout time.Duration, logger *zap.Logger) *RedisLockingStrategy {
	if key == "" {
		key = DefaultLockKey
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLockingStrategy{client: client, key: key, timeout: timeout, logger: logger}
}

func (s *RedisLockingStrategy) Acquire(ctx context.Context) bool {
	owner := uuid.New().String()
	ok, err := s.client.SetNX(ctx, s.key, owner, s.timeout).Result()
	if err != nil {
		s.logger.Warn("获取清理锁失败", zap.String("key", s.key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	return true
}

func (s *RedisLockingStrategy) Release(ctx context.Context) {
	s.mu.Lock()
	owner := s.owner
	s.owner = ""
	s.mu.Unlock()
	if owner == "" {
		return
	}
	if err := releaseLockScript.Run(ctx, s.client, []string{s.key}, owner).Err(); err != nil {
		s.logger.Warn("释放清理锁失败", zap.String("key", s.key), zap.Error(err))
	}
}
