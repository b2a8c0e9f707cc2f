// Package service CAS 票据生命周期与认证策略
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// 访问拒绝错误族
var (
	ErrUnauthorizedService       = errors.New("服务未注册或不允许访问")
	ErrMixedPrincipal            = errors.New("认证主体与会话主体不一致")
	ErrUnauthorizedProxying      = errors.New("服务不允许代理")
	ErrServiceMismatch           = errors.New("票据不是签发给该服务的")
	ErrPrincipalAttributesDenied = errors.New("主体属性不满足服务访问要求")
)

// 认证错误
var (
	ErrInvalidCredentials    = errors.New("用户名或密码错误")
	ErrAccountLocked         = errors.New("账户已锁定，请稍后再试")
	ErrAccountDisabled       = errors.New("账户已禁用")
	ErrUnsupportedCredential = errors.New("不支持的凭据类型")
	ErrNoCredentials         = errors.New("未提供凭据")
	ErrNoHandlers            = errors.New("没有可用的认证处理器")
	// ErrAuthenticationPrevented 处理器明确阻止本次认证，NotPrevented 策略据此拒绝
	ErrAuthenticationPrevented = errors.New("认证被阻止")
)

var accessDeniedErrors = []error{
	ErrUnauthorizedService,
	ErrMixedPrincipal,
	ErrUnauthorizedProxying,
	ErrServiceMismatch,
	ErrPrincipalAttributesDenied,
}

// IsAccessDenied 判断错误是否属于访问拒绝错误族
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range accessDeniedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// AuthenticationError 认证策略未满足，保留全部处理器结果
type AuthenticationError struct {
	Failures  map[string]error
	Successes map[string]model.HandlerResult
}

func (e *AuthenticationError) Error() string {
	if len(e.Failures) == 0 {
		return "认证失败"
	}
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return "认证失败: " + strings.Join(parts, "; ")
}

// Unwrap 支持 errors.Is 匹配任意处理器的失败原因
func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
