package repository

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"go.uber.org/zap"
)

// ErrUnsupportedOperation 存储不支持该操作，调用方应将其视为可恢复
var ErrUnsupportedOperation = errors.New("存储不支持该操作")

// UnsupportedCount 无法统计时返回的计数
const UnsupportedCount int64 = math.MinInt64

// TicketStore 票据存储后端
// Get 在票据不存在时返回 model.ErrTicketNotFound
// List 可以返回 ErrUnsupportedOperation
type TicketStore interface {
	Put(ctx context.Context, ticket model.Ticket) error
	Get(ctx context.Context, id string) (model.Ticket, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]model.Ticket, error)
	Clear(ctx context.Context) (int, error)
}

// TicketRegistry 票据注册表
type TicketRegistry interface {
	AddTicket(ctx context.Context, ticket model.Ticket) error
	// GetTicket 票据不存在或无法解码时返回 model.ErrTicketNotFound
	GetTicket(ctx context.Context, id string) (model.Ticket, error)
	UpdateTicket(ctx context.Context, ticket model.Ticket) error
	// DeleteTicket 删除票据，TGT/PGT 会先级联删除其签发的票据
	// 返回值只反映票据本身是否被删除
	DeleteTicket(ctx context.Context, id string) (bool, error)
	DeleteSingleTicket(ctx context.Context, id string) (bool, error)
	GetTickets(ctx context.Context) ([]model.Ticket, error)
	DeleteAll(ctx context.Context) (int, error)
	// SessionCount 无法枚举时返回 UnsupportedCount
	SessionCount(ctx context.Context) int64
	// ServiceTicketCount 无法枚举时返回 UnsupportedCount
	ServiceTicketCount(ctx context.Context) int64
}

// GetTicketAs 获取票据并检查类型
func GetTicketAs[T model.Ticket](ctx context.Context, registry TicketRegistry, id string) (T, error) {
	var zero T
	ticket, err := registry.GetTicket(ctx, id)
	if err != nil {
		return zero, err
	}
	typed, ok := ticket.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s 的类型为 %s", model.ErrTicketTypeMismatch, id, ticket.Kind())
	}
	return typed, nil
}

// defaultTicketRegistry 在存储后端之上实现级联删除与可选加密
type defaultTicketRegistry struct {
	store  TicketStore
	cipher TicketCipher
	logger *zap.Logger
}

// NewTicketRegistry 创建票据注册表，cipher 为 nil 时票据不加密
func NewTicketRegistry(store TicketStore, cipher TicketCipher, logger *zap.Logger) TicketRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &defaultTicketRegistry{store: store, cipher: cipher, logger: logger}
}

// AddTicket 保存票据
func (r *defaultTicketRegistry) AddTicket(ctx context.Context, ticket model.Ticket) error {
	encoded, err := r.encodeTicket(ticket)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, encoded); err != nil {
		r.logger.Warn("保存票据失败", zap.String("ticket_id", ticket.ID()), zap.Error(err))
		return fmt.Errorf("保存票据失败: %w", err)
	}
	r.logger.Debug("票据已保存", zap.String("ticket_id", ticket.ID()), zap.String("kind", string(ticket.Kind())))
	return nil
}

// GetTicket 获取票据
func (r *defaultTicketRegistry) GetTicket(ctx context.Context, id string) (model.Ticket, error) {
	if id == "" {
		return nil, model.ErrTicketNotFound
	}
	stored, err := r.store.Get(ctx, r.encodeID(id))
	if err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			return nil, model.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	ticket, err := r.decodeTicket(stored)
	if err != nil {
		r.logger.Warn("票据解码失败", zap.String("ticket_id", id), zap.Error(err))
		return nil, model.ErrTicketNotFound
	}
	return ticket, nil
}

// UpdateTicket 写回票据状态
func (r *defaultTicketRegistry) UpdateTicket(ctx context.Context, ticket model.Ticket) error {
	encoded, err := r.encodeTicket(ticket)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, encoded); err != nil {
		return fmt.Errorf("更新票据失败: %w", err)
	}
	return nil
}

// DeleteTicket 级联删除
// 子票据逐个删除，单个失败不影响其余子票据与票据本身
func (r *defaultTicketRegistry) DeleteTicket(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			return false, nil
		}
		return false, err
	}

	if tgt, ok := ticket.(model.TicketGrantingTicket); ok {
		for stID := range tgt.Services() {
			deleted, err := r.DeleteSingleTicket(ctx, stID)
			r.logger.Debug("级联删除服务票据",
				zap.String("parent", id), zap.String("ticket_id", stID),
				zap.Bool("deleted", deleted), zap.Error(err))
		}
		for pgtID := range tgt.ProxyGrantingTickets() {
			deleted, err := r.DeleteTicket(ctx, pgtID)
			r.logger.Debug("级联删除代理授予票据",
				zap.String("parent", id), zap.String("ticket_id", pgtID),
				zap.Bool("deleted", deleted), zap.Error(err))
		}
	}
	return r.DeleteSingleTicket(ctx, id)
}

// DeleteSingleTicket 只删除票据本身
func (r *defaultTicketRegistry) DeleteSingleTicket(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	deleted, err := r.store.Delete(ctx, r.encodeID(id))
	if err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	return deleted, nil
}

// GetTickets 枚举全部票据，跳过无法解码的条目
func (r *defaultTicketRegistry) GetTickets(ctx context.Context) ([]model.Ticket, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	tickets := make([]model.Ticket, 0, len(stored))
	for _, s := range stored {
		t, err := r.decodeTicket(s)
		if err != nil {
			r.logger.Warn("票据解码失败", zap.String("ticket_id", s.ID()), zap.Error(err))
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// DeleteAll 清空注册表
func (r *defaultTicketRegistry) DeleteAll(ctx context.Context) (int, error) {
	return r.store.Clear(ctx)
}

// SessionCount 统计 TGT 与 PGT
func (r *defaultTicketRegistry) SessionCount(ctx context.Context) int64 {
	return r.count(ctx, func(t model.Ticket) bool {
		_, ok := t.(model.TicketGrantingTicket)
		return ok
	})
}

// ServiceTicketCount 统计 ST 与 PT
func (r *defaultTicketRegistry) ServiceTicketCount(ctx context.Context) int64 {
	return r.count(ctx, func(t model.Ticket) bool {
		_, ok := t.(model.ServiceTicket)
		return ok
	})
}

func (r *defaultTicketRegistry) count(ctx context.Context, match func(model.Ticket) bool) int64 {
	tickets, err := r.GetTickets(ctx)
	if err != nil {
		r.logger.Warn("无法枚举票据，统计不可用", zap.Error(err))
		return UnsupportedCount
	}
	var n int64
	for _, t := range tickets {
		if match(t) {
			n++
		}
	}
	return n
}

func (r *defaultTicketRegistry) encodeID(id string) string {
	if r.cipher == nil {
		return id
	}
	return DigestTicketID(id)
}

func (r *defaultTicketRegistry) encodeTicket(ticket model.Ticket) (model.Ticket, error) {
	if ticket == nil {
		return nil, fmt.Errorf("票据为空")
	}
	if r.cipher == nil || ticket.Kind() == model.KindEncoded {
		return ticket, nil
	}
	data, err := model.MarshalTicket(ticket)
	if err != nil {
		return nil, err
	}
	payload, err := r.cipher.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("加密票据失败: %w", err)
	}
	return model.NewEncodedTicket(DigestTicketID(ticket.ID()), payload, ticket.CreationTime(), ticket.ExpirationPolicy().TimeToLive()), nil
}

func (r *defaultTicketRegistry) decodeTicket(ticket model.Ticket) (model.Ticket, error) {
	encoded, ok := ticket.(*model.EncodedTicket)
	if !ok {
		return ticket, nil
	}
	if r.cipher == nil {
		return nil, fmt.Errorf("未配置密钥，无法解密票据")
	}
	data, err := r.cipher.Decode(encoded.Payload())
	if err != nil {
		return nil, fmt.Errorf("解密票据失败: %w", err)
	}
	return model.UnmarshalTicket(data)
}
