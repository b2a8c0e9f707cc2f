package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisLockingStrategy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	node1 := NewRedisLockingStrategy(client, "", 30*time.Second, nil)
	node2 := NewRedisLockingStrategy(client, "", 30*time.Second, nil)

	assert.True(t, node1.Acquire(ctx))
	assert.False(t, node2.Acquire(ctx), "锁被占用时其他节点无法获取")
	assert.True(t, mr.Exists(DefaultLockKey))
	assert.Equal(t, 30*time.Second, mr.TTL(DefaultLockKey))

	node2.Release(ctx)
	assert.True(t, mr.Exists(DefaultLockKey), "非持有者释放无效")

	node1.Release(ctx)
	assert.False(t, mr.Exists(DefaultLockKey))
	assert.True(t, node2.Acquire(ctx))
	node2.Release(ctx)
}

func TestRedisLockingStrategy_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	node1 := NewRedisLockingStrategy(client, "test:lock", time.Minute, nil)
	node2 := NewRedisLockingStrategy(client, "test:lock", time.Minute, nil)
	assert.True(t, node1.Acquire(ctx))

	mr.FastForward(2 * time.Minute)
	assert.True(t, node2.Acquire(ctx), "锁超时后其他节点可获取")

	node1.Release(ctx)
	assert.True(t, mr.Exists("test:lock"), "过期持有者不能释放新持有者的锁")
}

func TestRedisLockingStrategy_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	lock := NewRedisLockingStrategy(client, "", time.Second, nil)
	assert.False(t, lock.Acquire(context.Background()), "Redis 不可用时视为未取得锁")
}

func TestNoOpLockingStrategy(t *testing.T) {
	var lock LockingStrategy = NoOpLockingStrategy{}
	assert.True(t, lock.Acquire(context.Background()))
	lock.Release(context.Background())
}
