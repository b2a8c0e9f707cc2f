package service

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"go.uber.org/zap"
)

// FailureMode 多因素认证提供者不可用时的处理方式
type FailureMode string

const (
	FailureModeUndefined FailureMode = ""
	// FailureModeOpen 视为已满足
	FailureModeOpen FailureMode = "open"
	// FailureModeClosed 视为未满足
	FailureModeClosed FailureMode = "closed"
)

// ParseFailureMode 无法识别的值视为未定义
func ParseFailureMode(s string) FailureMode {
	switch FailureMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailureModeOpen:
		return FailureModeOpen
	case FailureModeClosed:
		return FailureModeClosed
	default:
		return FailureModeUndefined
	}
}

// MultifactorAuthenticationProvider 多因素认证提供者
type MultifactorAuthenticationProvider interface {
	ID() string
	IsAvailable(ctx context.Context, service *model.RegisteredService) bool
	FailureMode() FailureMode
}

// StaticMFAProvider 可用性由配置决定
type StaticMFAProvider struct {
	ProviderID string
	Available  bool
	Mode       FailureMode
}

func (p *StaticMFAProvider) ID() string { return p.ProviderID }

func (p *StaticMFAProvider) IsAvailable(context.Context, *model.RegisteredService) bool {
	return p.Available
}

func (p *StaticMFAProvider) FailureMode() FailureMode { return p.Mode }

// HTTPHealthMFAProvider 健康检查地址返回 2xx 时可用
type HTTPHealthMFAProvider struct {
	ProviderID string
	HealthURL  string
	Mode       FailureMode
	Client     *http.Client
}

func (p *HTTPHealthMFAProvider) ID() string { return p.ProviderID }

func (p *HTTPHealthMFAProvider) IsAvailable(ctx context.Context, _ *model.RegisteredService) bool {
	status, err := get(ctx, newCallbackClient(p.Client), p.HealthURL)
	return err == nil && status >= 200 && status < 300
}

func (p *HTTPHealthMFAProvider) FailureMode() FailureMode { return p.Mode }

// ProvidersFromConfig 根据配置构造提供者
func ProvidersFromConfig(cfg []config.MFAProviderConfig) []MultifactorAuthenticationProvider {
	providers := make([]MultifactorAuthenticationProvider, 0, len(cfg))
	for _, c := range cfg {
		mode := ParseFailureMode(c.FailureMode)
		if c.HealthURL != "" {
			providers = append(providers, &HTTPHealthMFAProvider{ProviderID: c.ID, HealthURL: c.HealthURL, Mode: mode})
			continue
		}
		providers = append(providers, &StaticMFAProvider{ProviderID: c.ID, Available: c.Available, Mode: mode})
	}
	return providers
}

// ContextValidationReason 认证上下文校验结论
type ContextValidationReason string

const (
	ReasonNotRequested        ContextValidationReason = "not_requested"
	ReasonUnrecognizedContext ContextValidationReason = "unrecognized_context"
	ReasonBypassed            ContextValidationReason = "bypassed"
	ReasonSatisfied           ContextValidationReason = "satisfied"
	ReasonFailureModeOpen     ContextValidationReason = "failure_mode_open"
	ReasonProviderUnavailable ContextValidationReason = "provider_unavailable"
	ReasonNotSatisfied        ContextValidationReason = "not_satisfied"
)

// ContextValidationResult 认证上下文校验结果
type ContextValidationResult struct {
	Satisfied  bool
	ProviderID string
	Reason     ContextValidationReason
}

// AuthenticationContextValidator 判断认证是否已满足服务请求的多因素认证上下文
type AuthenticationContextValidator struct {
	providers         map[string]MultifactorAuthenticationProvider
	globalFailureMode FailureMode
	contextAttribute  string
	logger            *zap.Logger
}

// NewAuthenticationContextValidator 创建校验器，contextAttribute 为空时使用 authnContextClass
func NewAuthenticationContextValidator(providers []MultifactorAuthenticationProvider, globalFailureMode FailureMode, contextAttribute string, logger *zap.Logger) *AuthenticationContextValidator {
	if contextAttribute == "" {
		contextAttribute = model.AttributeAuthnContextClass
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]MultifactorAuthenticationProvider, len(providers))
	for _, p := range providers {
		m[p.ID()] = p
	}
	return &AuthenticationContextValidator{
		providers:         m,
		globalFailureMode: globalFailureMode,
		contextAttribute:  contextAttribute,
		logger:            logger,
	}
}

// RequestedContext 服务要求的认证上下文，未配置时为空
func (v *AuthenticationContextValidator) RequestedContext(rs *model.RegisteredService) string {
	if rs == nil || len(rs.MFAProviders) == 0 {
		return ""
	}
	return rs.MFAProviders[0]
}

// Validate 校验认证是否满足 requestedContext
func (v *AuthenticationContextValidator) Validate(ctx context.Context, auth *model.Authentication, requestedContext string, rs *model.RegisteredService) ContextValidationResult {
	if requestedContext == "" {
		return ContextValidationResult{Satisfied: true, Reason: ReasonNotRequested}
	}
	provider, ok := v.providers[requestedContext]
	if !ok {
		v.logger.Warn("未识别的认证上下文", zap.String("context", requestedContext))
		return ContextValidationResult{Reason: ReasonUnrecognizedContext}
	}
	result := ContextValidationResult{ProviderID: provider.ID()}

	if isBypassed(auth, provider.ID()) {
		result.Satisfied = true
		result.Reason = ReasonBypassed
		return result
	}
	if auth.HasAttributeValue(v.contextAttribute, provider.ID()) {
		result.Satisfied = true
		result.Reason = ReasonSatisfied
		return result
	}
	if !provider.IsAvailable(ctx, rs) {
		mode := v.resolveFailureMode(provider, rs)
		v.logger.Warn("多因素认证提供者不可用",
			zap.String("provider", provider.ID()),
			zap.String("failure_mode", string(mode)))
		if mode == FailureModeOpen {
			result.Satisfied = true
			result.Reason = ReasonFailureModeOpen
			return result
		}
		result.Reason = ReasonProviderUnavailable
		return result
	}
	result.Reason = ReasonNotSatisfied
	return result
}

// resolveFailureMode 服务配置优先，其次提供者，再次全局配置，最后为 closed
func (v *AuthenticationContextValidator) resolveFailureMode(provider MultifactorAuthenticationProvider, rs *model.RegisteredService) FailureMode {
	if rs != nil {
		if mode := ParseFailureMode(rs.MFAFailureMode); mode != FailureModeUndefined {
			return mode
		}
	}
	if mode := provider.FailureMode(); mode != FailureModeUndefined {
		return mode
	}
	if v.globalFailureMode != FailureModeUndefined {
		return v.globalFailureMode
	}
	return FailureModeClosed
}

func isBypassed(auth *model.Authentication, providerID string) bool {
	bypass := false
	for _, v := range auth.Attribute(model.AttributeBypassMFA) {
		if b, err := strconv.ParseBool(v); err == nil && b {
			bypass = true
			break
		}
	}
	return bypass && auth.HasAttributeValue(model.AttributeBypassMFAProviderID, providerID)
}
