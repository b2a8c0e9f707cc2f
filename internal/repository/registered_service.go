package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrServiceNotFound   = errors.New("服务不存在")
	ErrServiceNameExists = errors.New("服务名称已存在")
)

// RegisteredServiceRepository 已注册服务数据访问接口
type RegisteredServiceRepository interface {
	Create(ctx context.Context, svc *model.RegisteredService) error
	GetByID(ctx context.Context, id string) (*model.RegisteredService, error)
	GetByName(ctx context.Context, name string) (*model.RegisteredService, error)
	Update(ctx context.Context, svc *model.RegisteredService) error
	Delete(ctx context.Context, id string) error
	// List 按 evaluation_order 升序返回
	List(ctx context.Context, filter *ServiceFilter, page *Pagination) ([]*model.RegisteredService, int64, error)
}

// ServiceFilter 服务查询过滤器
type ServiceFilter struct {
	Name   string // 名称（模糊匹配）
	Status string // 状态
}

// registeredServiceRepository 已注册服务数据访问实现
type registeredServiceRepository struct {
	db *gorm.DB
}

// NewRegisteredServiceRepository 创建已注册服务数据访问实例
func NewRegisteredServiceRepository(db *gorm.DB) RegisteredServiceRepository {
	return &registeredServiceRepository{db: db}
}

// Create 创建服务
func (r *registeredServiceRepository) Create(ctx context.Context, svc *model.RegisteredService) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.RegisteredService{}).Where("name = ?", svc.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrServiceNameExists
	}
	return r.db.WithContext(ctx).Create(svc).Error
}

// GetByID 根据 ID 获取服务
func (r *registeredServiceRepository) GetByID(ctx context.Context, id string) (*model.RegisteredService, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByName 根据名称获取服务
func (r *registeredServiceRepository) GetByName(ctx context.Context, name string) (*model.RegisteredService, error) {
	return r.first(ctx, "name = ?", name)
}

func (r *registeredServiceRepository) first(ctx context.Context, cond string, arg string) (*model.RegisteredService, error) {
	var svc model.RegisteredService
	err := r.db.WithContext(ctx).Where(cond, arg).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Update 更新服务
func (r *registeredServiceRepository) Update(ctx context.Context, svc *model.RegisteredService) error {
	result := r.db.WithContext(ctx).Save(svc)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// Delete 删除服务（软删除）
func (r *registeredServiceRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.RegisteredService{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// List 查询服务列表
func (r *registeredServiceRepository) List(ctx context.Context, filter *ServiceFilter, page *Pagination) ([]*model.RegisteredService, int64, error) {
	var services []*model.RegisteredService
	var total int64

	query := r.db.WithContext(ctx).Model(&model.RegisteredService{})
	if filter != nil {
		if filter.Name != "" {
			query = query.Where("name LIKE ?", "%"+filter.Name+"%")
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := page.apply(query).Order("evaluation_order ASC, created_at ASC").Find(&services).Error; err != nil {
		return nil, 0, err
	}
	return services, total, nil
}

// memoryRegisteredServiceRepository 内存实现，用于静态配置的服务与测试
type memoryRegisteredServiceRepository struct {
	mu       sync.RWMutex
	services map[string]*model.RegisteredService
}

// NewMemoryRegisteredServiceRepository 创建内存服务仓库
func NewMemoryRegisteredServiceRepository(services ...*model.RegisteredService) RegisteredServiceRepository {
	r := &memoryRegisteredServiceRepository{services: make(map[string]*model.RegisteredService, len(services))}
	for _, svc := range services {
		_ = r.Create(context.Background(), svc)
	}
	return r
}

func (r *memoryRegisteredServiceRepository) Create(_ context.Context, svc *model.RegisteredService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.services {
		if existing.Name == svc.Name {
			return ErrServiceNameExists
		}
	}
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	now := model.Now()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	r.services[svc.ID] = svc
	return nil
}

func (r *memoryRegisteredServiceRepository) GetByID(_ context.Context, id string) (*model.RegisteredService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return svc, nil
}

func (r *memoryRegisteredServiceRepository) GetByName(_ context.Context, name string) (*model.RegisteredService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return nil, ErrServiceNotFound
}

func (r *memoryRegisteredServiceRepository) Update(_ context.Context, svc *model.RegisteredService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.ID]; !ok {
		return ErrServiceNotFound
	}
	svc.UpdatedAt = model.Now()
	r.services[svc.ID] = svc
	return nil
}

func (r *memoryRegisteredServiceRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return ErrServiceNotFound
	}
	delete(r.services, id)
	return nil
}

func (r *memoryRegisteredServiceRepository) List(_ context.Context, filter *ServiceFilter, page *Pagination) ([]*model.RegisteredService, int64, error) {
	r.mu.RLock()
	services := make([]*model.RegisteredService, 0, len(r.services))
	for _, svc := range r.services {
		if filter != nil && filter.Status != "" && svc.Status != filter.Status {
			continue
		}
		if filter != nil && filter.Name != "" && !strings.Contains(strings.ToLower(svc.Name), strings.ToLower(filter.Name)) {
			continue
		}
		services = append(services, svc)
	}
	r.mu.RUnlock()

	sort.SliceStable(services, func(i, j int) bool {
		if services[i].EvaluationOrder != services[j].EvaluationOrder {
			return services[i].EvaluationOrder < services[j].EvaluationOrder
		}
		if !services[i].CreatedAt.Equal(services[j].CreatedAt) {
			return services[i].CreatedAt.Before(services[j].CreatedAt)
		}
		return services[i].Name < services[j].Name
	})

	total := int64(len(services))
	if page != nil && page.Page > 0 && page.PageSize > 0 {
		start := (page.Page - 1) * page.PageSize
		if start >= len(services) {
			return []*model.RegisteredService{}, total, nil
		}
		end := start + page.PageSize
		if end > len(services) {
			end = len(services)
		}
		services = services[start:end]
	}
	return services, total, nil
}
