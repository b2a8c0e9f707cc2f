package repository

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"gorm.io/gorm"
)

// ErrRoleNotFound 角色不存在
var ErrRoleNotFound = errors.New("角色不存在")

// RoleRepository 角色仓库接口
type RoleRepository interface {
	Create(ctx context.Context, role *model.Role) error
	GetByCode(ctx context.Context, code string) (*model.Role, error)
	List(ctx context.Context, page *Pagination) ([]*model.Role, int64, error)
}

// UserRoleRepository 用户角色仓库接口
type UserRoleRepository interface {
	Assign(ctx context.Context, userID, roleID string) error
	Revoke(ctx context.Context, userID, roleID string) error
	GetUserRoles(ctx context.Context, userID string) ([]*model.Role, error)
	HasRole(ctx context.Context, userID, roleCode string) (bool, error)
}

// roleRepository 角色仓库实现
type roleRepository struct {
	db *gorm.DB
}

// NewRoleRepository 创建角色仓库
func NewRoleRepository(db *gorm.DB) RoleRepository {
	return &roleRepository{db: db}
}

func (r *roleRepository) Create(ctx context.Context, role *model.Role) error {
	return r.db.WithContext(ctx).Create(role).Error
}

func (r *roleRepository) GetByCode(ctx context.Context, code string) (*model.Role, error) {
	var role model.Role
	if err := r.db.WithContext(ctx).First(&role, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (r *roleRepository) List(ctx context.Context, page *Pagination) ([]*model.Role, int64, error) {
	var roles []*model.Role
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Role{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := page.apply(query).Order("code ASC").Find(&roles).Error; err != nil {
		return nil, 0, err
	}
	return roles, total, nil
}

// userRoleRepository 用户角色仓库实现
type userRoleRepository struct {
	db *gorm.DB
}

// NewUserRoleRepository 创建用户角色仓库
func NewUserRoleRepository(db *gorm.DB) UserRoleRepository {
	return &userRoleRepository{db: db}
}

func (r *userRoleRepository) Assign(ctx context.Context, userID, roleID string) error {
	userRole := &model.UserRole{
		UserID: userID,
		RoleID: roleID,
	}
	return r.db.WithContext(ctx).Create(userRole).Error
}

func (r *userRoleRepository) Revoke(ctx context.Context, userID, roleID string) error {
	return r.db.WithContext(ctx).Where("user_id = ? AND role_id = ?", userID, roleID).Delete(&model.UserRole{}).Error
}

// GetUserRoles 返回用户启用中的角色
func (r *userRoleRepository) GetUserRoles(ctx context.Context, userID string) ([]*model.Role, error) {
	var userRoles []model.UserRole
	if err := r.db.WithContext(ctx).Preload("Role").Where("user_id = ?", userID).Find(&userRoles).Error; err != nil {
		return nil, err
	}

	roles := make([]*model.Role, 0, len(userRoles))
	for _, ur := range userRoles {
		if ur.Role != nil && ur.Role.IsActive() {
			roles = append(roles, ur.Role)
		}
	}
	return roles, nil
}

func (r *userRoleRepository) HasRole(ctx context.Context, userID, roleCode string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UserRole{}).
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("user_roles.user_id = ? AND roles.code = ?", userID, roleCode).
		Count(&count).Error
	return count > 0, err
}
