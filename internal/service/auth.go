package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"go.uber.org/zap"
)

// 处理器名称
const (
	PasswordHandlerName    = "PasswordAuthenticationHandler"
	AcceptUsersHandlerName = "AcceptUsersAuthenticationHandler"
)

// PasswordAuthenticationHandler 基于本地用户表的用户名密码认证
type PasswordAuthenticationHandler struct {
	userRepo     repository.UserRepository
	userRoleRepo repository.UserRoleRepository
	logger       *zap.Logger
}

// NewPasswordAuthenticationHandler 创建密码认证处理器，userRoleRepo 可以为空
func NewPasswordAuthenticationHandler(userRepo repository.UserRepository, userRoleRepo repository.UserRoleRepository, logger *zap.Logger) *PasswordAuthenticationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordAuthenticationHandler{userRepo: userRepo, userRoleRepo: userRoleRepo, logger: logger}
}

func (h *PasswordAuthenticationHandler) Name() string { return PasswordHandlerName }

func (h *PasswordAuthenticationHandler) Supports(c model.Credential) bool {
	_, ok := c.(*model.UsernamePasswordCredential)
	return ok
}

// Authenticate 验证用户凭据
func (h *PasswordAuthenticationHandler) Authenticate(ctx context.Context, c model.Credential) (*model.HandlerResult, error) {
	credential, ok := c.(*model.UsernamePasswordCredential)
	if !ok {
		return nil, ErrUnsupportedCredential
	}
	user, err := h.userRepo.GetByUsername(ctx, credential.Username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	// 检查账户是否被锁定
	if user.IsLocked() {
		return nil, ErrAccountLocked
	}

	// 检查账户是否被禁用
	if !user.IsActive() {
		return nil, ErrAccountDisabled
	}

	// 验证密码
	if !user.VerifyPassword(credential.Password) {
		user.IncrementFailedLogin()
		if err := h.userRepo.RecordLoginResult(ctx, user); err != nil {
			h.logger.Warn("记录登录失败次数失败", zap.String("username", user.Username), zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	// 登录成功，重置失败次数
	if user.FailedLoginCount > 0 {
		user.ResetFailedLogin()
		if err := h.userRepo.RecordLoginResult(ctx, user); err != nil {
			h.logger.Warn("重置登录失败次数失败", zap.String("username", user.Username), zap.Error(err))
		}
	}

	var roles []string
	if h.userRoleRepo != nil {
		userRoles, err := h.userRoleRepo.GetUserRoles(ctx, user.ID)
		if err != nil {
			h.logger.Warn("查询用户角色失败", zap.String("username", user.Username), zap.Error(err))
		}
		for _, r := range userRoles {
			roles = append(roles, r.Code)
		}
	}

	return &model.HandlerResult{
		HandlerName: h.Name(),
		Credential:  model.NewCredentialMetaData(credential),
		Principal:   model.NewPrincipal(user.Username, user.PrincipalAttributes(roles)),
	}, nil
}

// AcceptUsersAuthenticationHandler 使用配置中的静态账户认证
type AcceptUsersAuthenticationHandler struct {
	users map[string]string
}

// NewAcceptUsersAuthenticationHandler 创建静态账户处理器
func NewAcceptUsersAuthenticationHandler(users map[string]string) *AcceptUsersAuthenticationHandler {
	copied := make(map[string]string, len(users))
	for k, v := range users {
		copied[k] = v
	}
	return &AcceptUsersAuthenticationHandler{users: copied}
}

func (h *AcceptUsersAuthenticationHandler) Name() string { return AcceptUsersHandlerName }

func (h *AcceptUsersAuthenticationHandler) Supports(c model.Credential) bool {
	_, ok := c.(*model.UsernamePasswordCredential)
	return ok
}

func (h *AcceptUsersAuthenticationHandler) Authenticate(_ context.Context, c model.Credential) (*model.HandlerResult, error) {
	credential, ok := c.(*model.UsernamePasswordCredential)
	if !ok {
		return nil, ErrUnsupportedCredential
	}
	expected, ok := h.users[credential.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(credential.Password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &model.HandlerResult{
		HandlerName: h.Name(),
		Credential:  model.NewCredentialMetaData(credential),
		Principal:   model.NewPrincipal(credential.Username, nil),
	}, nil
}

// IsPasswordStrong 检查密码强度
// 密码要求：最小 8 位，包含大写字母、小写字母、数字
func IsPasswordStrong(password string) bool {
	if len(password) < 8 {
		return false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}

	return hasUpper && hasLower && hasDigit
}
