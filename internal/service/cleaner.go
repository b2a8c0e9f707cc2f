package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"go.uber.org/zap"
)

// RegistryCleaner 扫描注册表并回收过期票据
type RegistryCleaner struct {
	registry repository.TicketRegistry
	logout   LogoutManager
	locking  LockingStrategy
	logger   *zap.Logger

	// PreCleanup 返回 false 时跳过本次清理
	PreCleanup func(ctx context.Context) bool
	// PostCleanup 无论清理成功与否都会执行
	PostCleanup func(ctx context.Context)
}

// NewRegistryCleaner 创建清理器，locking 为空时不加锁
func NewRegistryCleaner(registry repository.TicketRegistry, logout LogoutManager, locking LockingStrategy, logger *zap.Logger) *RegistryCleaner {
	if locking == nil {
		locking = NoOpLockingStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryCleaner{registry: registry, logout: logout, locking: locking, logger: logger}
}

// Clean 执行一次清理，返回删除的票据数
// 未取得锁或存储无法枚举时不算错误
func (c *RegistryCleaner) Clean(ctx context.Context) (int, error) {
	if !c.locking.Acquire(ctx) {
		c.logger.Debug("未取得清理锁，跳过本次清理")
		return 0, nil
	}
	defer c.locking.Release(ctx)
	defer func() {
		if c.PostCleanup != nil {
			c.PostCleanup(ctx)
		}
	}()

	if c.PreCleanup != nil && !c.PreCleanup(ctx) {
		return 0, nil
	}

	tickets, err := c.registry.GetTickets(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrUnsupportedOperation) {
			c.logger.Warn("注册表不支持枚举，跳过清理")
			return 0, nil
		}
		return 0, fmt.Errorf("枚举票据失败: %w", err)
	}

	removed := 0
	for _, ticket := range tickets {
		if !ticket.IsExpired() {
			continue
		}
		if c.cleanTicket(ctx, ticket) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("过期票据已清理", zap.Int("removed", removed), zap.Int("scanned", len(tickets)))
	}
	return removed, nil
}

// cleanTicket 单张票据失败只记录日志
func (c *RegistryCleaner) cleanTicket(ctx context.Context, ticket model.Ticket) (deleted bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("清理票据时发生异常", zap.String("ticket_id", ticket.ID()), zap.Any("panic", r))
			deleted = false
		}
	}()

	if _, ok := ticket.(model.TicketGrantingTicket); ok {
		// 可能已随上级票据级联删除
		current, err := c.registry.GetTicket(ctx, ticket.ID())
		if err != nil {
			return false
		}
		if tgt, ok := current.(model.TicketGrantingTicket); ok && c.logout != nil {
			c.logout.PerformLogout(ctx, tgt)
		}
	}

	deleted, err := c.registry.DeleteTicket(ctx, ticket.ID())
	if err != nil {
		c.logger.Warn("删除过期票据失败", zap.String("ticket_id", ticket.ID()), zap.Error(err))
		return false
	}
	return deleted
}

// CleanerScheduler 按固定间隔运行清理器，由进程显式启动和停止
type CleanerScheduler struct {
	cleaner    *RegistryCleaner
	startDelay time.Duration
	interval   time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanerScheduler 创建调度器
func NewCleanerScheduler(cleaner *RegistryCleaner, startDelay, interval time.Duration, logger *zap.Logger) *CleanerScheduler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanerScheduler{cleaner: cleaner, startDelay: startDelay, interval: interval, logger: logger}
}

// Start 启动后台清理，重复调用无效
func (s *CleanerScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info("票据清理任务已启动",
		zap.Duration("start_delay", s.startDelay),
		zap.Duration("interval", s.interval))
}

// Stop 停止后台清理并等待当前清理结束
func (s *CleanerScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("票据清理任务已停止")
}

func (s *CleanerScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.startDelay > 0 {
		timer := time.NewTimer(s.startDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep 清理失败不会终止调度
func (s *CleanerScheduler) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("票据清理异常", zap.Any("panic", r))
		}
	}()
	if _, err := s.cleaner.Clean(ctx); err != nil {
		s.logger.Error("票据清理失败", zap.Error(err))
	}
}
