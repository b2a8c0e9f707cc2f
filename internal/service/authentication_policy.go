package service

import (
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// AuthenticationAttempt 一次认证事务中各处理器的执行结果
type AuthenticationAttempt struct {
	Attempted []string
	Successes map[string]model.HandlerResult
	Failures  map[string]error
}

func newAuthenticationAttempt() *AuthenticationAttempt {
	return &AuthenticationAttempt{
		Successes: make(map[string]model.HandlerResult),
		Failures:  make(map[string]error),
	}
}

// AuthenticationPolicy 根据处理器结果判断认证事务是否成立
type AuthenticationPolicy interface {
	Name() string
	IsSatisfiedBy(attempt *AuthenticationAttempt) bool
	// ShouldStop 某个处理器成功后是否停止尝试其余处理器
	ShouldStop(attempt *AuthenticationAttempt) bool
}

// AnyAuthenticationPolicy 任一处理器成功即可
type AnyAuthenticationPolicy struct {
	TryAll bool
}

func (p *AnyAuthenticationPolicy) Name() string { return "any" }

func (p *AnyAuthenticationPolicy) IsSatisfiedBy(a *AuthenticationAttempt) bool {
	return len(a.Successes) > 0
}

func (p *AnyAuthenticationPolicy) ShouldStop(a *AuthenticationAttempt) bool {
	return !p.TryAll && len(a.Successes) > 0
}

// AllAuthenticationPolicy 所有尝试过的处理器都必须成功
type AllAuthenticationPolicy struct{}

func (AllAuthenticationPolicy) Name() string { return "all" }

func (AllAuthenticationPolicy) IsSatisfiedBy(a *AuthenticationAttempt) bool {
	return len(a.Failures) == 0 && len(a.Successes) > 0 && len(a.Successes) == len(a.Attempted)
}

func (AllAuthenticationPolicy) ShouldStop(*AuthenticationAttempt) bool { return false }

// RequiredHandlerAuthenticationPolicy 指定的处理器必须成功
type RequiredHandlerAuthenticationPolicy struct {
	HandlerName string
	TryAll      bool
}

func (p *RequiredHandlerAuthenticationPolicy) Name() string { return "required" }

func (p *RequiredHandlerAuthenticationPolicy) IsSatisfiedBy(a *AuthenticationAttempt) bool {
	_, ok := a.Successes[p.HandlerName]
	return ok
}

func (p *RequiredHandlerAuthenticationPolicy) ShouldStop(a *AuthenticationAttempt) bool {
	return !p.TryAll && p.IsSatisfiedBy(a)
}

// NotPreventedAuthenticationPolicy 至少一个处理器成功，且没有处理器返回 ErrAuthenticationPrevented
type NotPreventedAuthenticationPolicy struct{}

func (NotPreventedAuthenticationPolicy) Name() string { return "not_prevented" }

func (NotPreventedAuthenticationPolicy) IsSatisfiedBy(a *AuthenticationAttempt) bool {
	for _, err := range a.Failures {
		if errors.Is(err, ErrAuthenticationPrevented) {
			return false
		}
	}
	return len(a.Successes) > 0
}

func (NotPreventedAuthenticationPolicy) ShouldStop(*AuthenticationAttempt) bool { return false }

// NewAuthenticationPolicy 按名称创建认证策略
func NewAuthenticationPolicy(name string, tryAll bool, requiredHandler string) (AuthenticationPolicy, error) {
	switch name {
	case "", "any":
		return &AnyAuthenticationPolicy{TryAll: tryAll}, nil
	case "all":
		return AllAuthenticationPolicy{}, nil
	case "required":
		if requiredHandler == "" {
			return nil, errors.New("required 策略必须指定处理器名称")
		}
		return &RequiredHandlerAuthenticationPolicy{HandlerName: requiredHandler, TryAll: tryAll}, nil
	case "not_prevented":
		return NotPreventedAuthenticationPolicy{}, nil
	default:
		return nil, fmt.Errorf("未知的认证策略: %s", name)
	}
}
