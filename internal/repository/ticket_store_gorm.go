package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"gorm.io/gorm"
)

// gormTicketStore 关系型数据库票据存储（PostgreSQL / MySQL）
type gormTicketStore struct {
	db *gorm.DB
}

// NewGormTicketStore 创建数据库存储，表结构由 cmd/migrate 创建
func NewGormTicketStore(db *gorm.DB) TicketStore {
	return &gormTicketStore{db: db}
}

func (s *gormTicketStore) Put(ctx context.Context, ticket model.Ticket) error {
	data, err := model.MarshalTicket(ticket)
	if err != nil {
		return err
	}
	entity := &model.TicketEntity{
		ID:               ticket.ID(),
		Kind:             string(ticket.Kind()),
		GrantingTicketID: ticket.GrantingTicketID(),
		Body:             string(data),
	}
	if ttl := ticket.ExpirationPolicy().TimeToLive(); ttl > 0 {
		expiresAt := ticket.CreationTime().Add(ttl)
		entity.ExpiresAt = &expiresAt
	}
	// Save 按主键插入或更新
	if err := s.db.WithContext(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

func (s *gormTicketStore) Get(ctx context.Context, id string) (model.Ticket, error) {
	var entity model.TicketEntity
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	return model.UnmarshalTicket([]byte(entity.Body))
}

func (s *gormTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.TicketEntity{})
	if result.Error != nil {
		return false, fmt.Errorf("删除票据失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *gormTicketStore) List(ctx context.Context) ([]model.Ticket, error) {
	var entities []*model.TicketEntity
	if err := s.db.WithContext(ctx).Order("created_at").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("查询票据失败: %w", err)
	}
	tickets := make([]model.Ticket, 0, len(entities))
	for _, e := range entities {
		t, err := model.UnmarshalTicket([]byte(e.Body))
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

func (s *gormTicketStore) Clear(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&model.TicketEntity{})
	if result.Error != nil {
		return 0, fmt.Errorf("清空票据失败: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
