package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix 票据键前缀
const DefaultRedisKeyPrefix = "cas:ticket:"

// redisTicketStore Redis 票据存储，键过期时间取自票据的过期策略
type redisTicketStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTicketStore 创建 Redis 存储
func NewRedisTicketStore(client *redis.Client, prefix string) TicketStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &redisTicketStore{client: client, prefix: prefix}
}

func (s *redisTicketStore) key(id string) string {
	return s.prefix + id
}

func (s *redisTicketStore) Put(ctx context.Context, ticket model.Ticket) error {
	data, err := model.MarshalTicket(ticket)
	if err != nil {
		return err
	}
	// 0 表示不过期
	ttl := ticket.ExpirationPolicy().TimeToLive()
	if err := s.client.Set(ctx, s.key(ticket.ID()), data, ttl).Err(); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

func (s *redisTicketStore) Get(ctx context.Context, id string) (model.Ticket, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	return model.UnmarshalTicket(data)
}

func (s *redisTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	return n > 0, nil
}

func (s *redisTicketStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描票据失败: %w", err)
	}
	return keys, nil
}

// List 扫描全部票据，遍历期间过期的键会被跳过
func (s *redisTicketStore) List(ctx context.Context) ([]model.Ticket, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	tickets := make([]model.Ticket, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("获取票据失败: %w", err)
		}
		t, err := model.UnmarshalTicket(data)
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

func (s *redisTicketStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("清空票据失败: %w", err)
	}
	return int(n), nil
}
