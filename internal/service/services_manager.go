package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"go.uber.org/zap"
)

// ServicesManager 按服务地址查找已注册服务
type ServicesManager interface {
	// FindServiceBy 按 evaluation_order 返回第一个匹配的服务，未匹配时返回 nil
	FindServiceBy(ctx context.Context, service model.Service) (*model.RegisteredService, error)
	Save(ctx context.Context, svc *model.RegisteredService) error
	Reload(ctx context.Context) error
	All(ctx context.Context) ([]*model.RegisteredService, error)
}

// defaultServicesManager 缓存仓库中的服务列表，写入后重新加载
type defaultServicesManager struct {
	repo   repository.RegisteredServiceRepository
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   bool
	services []*model.RegisteredService
}

// NewServicesManager 创建服务管理器
func NewServicesManager(repo repository.RegisteredServiceRepository, logger *zap.Logger) ServicesManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &defaultServicesManager{repo: repo, logger: logger}
}

func (m *defaultServicesManager) Reload(ctx context.Context) error {
	services, _, err := m.repo.List(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("加载已注册服务失败: %w", err)
	}
	m.mu.Lock()
	m.services = services
	m.loaded = true
	m.mu.Unlock()
	m.logger.Debug("已注册服务已加载", zap.Int("count", len(services)))
	return nil
}

func (m *defaultServicesManager) All(ctx context.Context) ([]*model.RegisteredService, error) {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if !loaded {
		if err := m.Reload(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*model.RegisteredService(nil), m.services...), nil
}

func (m *defaultServicesManager) FindServiceBy(ctx context.Context, service model.Service) (*model.RegisteredService, error) {
	services, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, rs := range services {
		if rs.Matches(service) {
			return rs, nil
		}
	}
	return nil, nil
}

func (m *defaultServicesManager) Save(ctx context.Context, svc *model.RegisteredService) error {
	var err error
	if svc.ID == "" {
		err = m.repo.Create(ctx, svc)
	} else {
		err = m.repo.Update(ctx, svc)
	}
	if err != nil {
		return err
	}
	return m.Reload(ctx)
}
