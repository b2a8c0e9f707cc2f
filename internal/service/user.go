package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
)

var (
	ErrUserIDEmpty       = errors.New("用户 ID 不能为空")
	ErrUsernameEmpty     = errors.New("用户名不能为空")
	ErrUsernameInvalid   = errors.New("用户名只能包含字母、数字和下划线")
	ErrUsernameTooShort  = errors.New("用户名长度不能少于 3 个字符")
	ErrEmailEmpty        = errors.New("邮箱不能为空")
	ErrEmailInvalid      = errors.New("邮箱格式无效")
	ErrPasswordEmpty     = errors.New("密码不能为空")
	ErrPasswordTooShort  = errors.New("密码长度不能少于 8 个字符")
	ErrPasswordWeak      = errors.New("密码必须同时包含大写字母、小写字母和数字")
	ErrPasswordIncorrect = errors.New("密码错误")
	ErrRoleCodeEmpty     = errors.New("角色代码不能为空")
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// AccountService 管理密码认证处理器使用的本地账户
type AccountService interface {
	Create(ctx context.Context, user *model.User, password string) error
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// List 按状态过滤，status 为空时返回全部
	List(ctx context.Context, status string, page *repository.Pagination) ([]*model.User, int64, error)
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	// ResetPassword 管理员重置密码，不校验旧密码
	ResetPassword(ctx context.Context, userID, newPassword string) error
	SetStatus(ctx context.Context, userID, status string) error
	// Unlock 清除登录失败计数
	Unlock(ctx context.Context, userID string) error
	// AssignRoles 角色不存在时按代码创建
	AssignRoles(ctx context.Context, userID string, codes ...string) error
	// RevokeRoles 忽略不存在的角色代码
	RevokeRoles(ctx context.Context, userID string, codes ...string) error
	RoleCodes(ctx context.Context, userID string) ([]string, error)
	ListRoles(ctx context.Context) ([]*model.Role, error)
}

type accountService struct {
	userRepo     repository.UserRepository
	roleRepo     repository.RoleRepository
	userRoleRepo repository.UserRoleRepository
}

func NewAccountService(userRepo repository.UserRepository, roleRepo repository.RoleRepository, userRoleRepo repository.UserRoleRepository) AccountService {
	return &accountService{userRepo: userRepo, roleRepo: roleRepo, userRoleRepo: userRoleRepo}
}

func (s *accountService) Create(ctx context.Context, user *model.User, password string) error {
	if err := s.validateUser(user); err != nil {
		return err
	}
	if err := s.validatePassword(password); err != nil {
		return err
	}
	if err := user.SetPassword(password); err != nil {
		return errors.New("密码加密失败")
	}
	if user.Status == "" {
		user.Status = model.StatusActive
	}
	return s.userRepo.Create(ctx, user)
}

func (s *accountService) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	if username == "" {
		return nil, ErrUsernameEmpty
	}
	return s.userRepo.GetByUsername(ctx, username)
}

func (s *accountService) List(ctx context.Context, status string, page *repository.Pagination) ([]*model.User, int64, error) {
	var filter *repository.UserFilter
	if status != "" {
		filter = &repository.UserFilter{Status: status}
	}
	return s.userRepo.List(ctx, filter, page)
}

func (s *accountService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.VerifyPassword(oldPassword) {
		return ErrPasswordIncorrect
	}
	return s.setPassword(ctx, user, newPassword)
}

func (s *accountService) ResetPassword(ctx context.Context, userID, newPassword string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, user, newPassword)
}

func (s *accountService) setPassword(ctx context.Context, user *model.User, password string) error {
	if err := s.validatePassword(password); err != nil {
		return err
	}
	if err := user.SetPassword(password); err != nil {
		return errors.New("密码加密失败")
	}
	return s.userRepo.Update(ctx, user)
}

func (s *accountService) SetStatus(ctx context.Context, userID, status string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Status = status
	return s.userRepo.Update(ctx, user)
}

func (s *accountService) Unlock(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.ResetFailedLogin()
	return s.userRepo.RecordLoginResult(ctx, user)
}

func (s *accountService) AssignRoles(ctx context.Context, userID string, codes ...string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			return ErrRoleCodeEmpty
		}
		has, err := s.userRoleRepo.HasRole(ctx, userID, code)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		role, err := s.roleRepo.GetByCode(ctx, code)
		if errors.Is(err, repository.ErrRoleNotFound) {
			role = &model.Role{Name: code, Code: code, Status: model.StatusActive}
			err = s.roleRepo.Create(ctx, role)
		}
		if err != nil {
			return err
		}
		if err := s.userRoleRepo.Assign(ctx, userID, role.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *accountService) RevokeRoles(ctx context.Context, userID string, codes ...string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			return ErrRoleCodeEmpty
		}
		role, err := s.roleRepo.GetByCode(ctx, code)
		if errors.Is(err, repository.ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.userRoleRepo.Revoke(ctx, userID, role.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *accountService) RoleCodes(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.userRoleRepo.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(roles))
	for _, r := range roles {
		codes = append(codes, r.Code)
	}
	return codes, nil
}

func (s *accountService) ListRoles(ctx context.Context) ([]*model.Role, error) {
	roles, _, err := s.roleRepo.List(ctx, nil)
	return roles, err
}

func (s *accountService) validateUser(user *model.User) error {
	if user == nil {
		return errors.New("用户信息不能为空")
	}
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return ErrUsernameEmpty
	}
	if len(user.Username) < 3 {
		return ErrUsernameTooShort
	}
	if !usernameRegex.MatchString(user.Username) {
		return ErrUsernameInvalid
	}
	user.Email = strings.TrimSpace(user.Email)
	if user.Email == "" {
		return ErrEmailEmpty
	}
	if !emailRegex.MatchString(user.Email) {
		return ErrEmailInvalid
	}
	return nil
}

func (s *accountService) validatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if !IsPasswordStrong(password) {
		return ErrPasswordWeak
	}
	return nil
}
