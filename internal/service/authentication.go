package service

import (
	"context"
	"sort"
	"strconv"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"go.uber.org/zap"
)

// AuthenticationHandler 认证处理器
// 失败以错误返回，由认证管理器记录，不会中断整个事务
type AuthenticationHandler interface {
	Name() string
	Supports(credential model.Credential) bool
	Authenticate(ctx context.Context, credential model.Credential) (*model.HandlerResult, error)
}

// AuthenticationTransaction 一次认证请求
type AuthenticationTransaction struct {
	Service           *model.Service
	RegisteredService *model.RegisteredService
	Credentials       []model.Credential
}

// NewAuthenticationTransaction 创建认证事务，service 可以为空
func NewAuthenticationTransaction(service *model.Service, credentials ...model.Credential) *AuthenticationTransaction {
	return &AuthenticationTransaction{Service: service, Credentials: credentials}
}

// AuthenticationHandlerResolver 选出本次请求允许参与认证的处理器
type AuthenticationHandlerResolver interface {
	Resolve(handlers []AuthenticationHandler, tx *AuthenticationTransaction) []AuthenticationHandler
}

// DefaultHandlerResolver 使用全部处理器
type DefaultHandlerResolver struct{}

func (DefaultHandlerResolver) Resolve(handlers []AuthenticationHandler, _ *AuthenticationTransaction) []AuthenticationHandler {
	return handlers
}

// RegisteredServiceHandlerResolver 服务配置了 RequiredHandlers 时只使用这些处理器
type RegisteredServiceHandlerResolver struct{}

func (RegisteredServiceHandlerResolver) Resolve(handlers []AuthenticationHandler, tx *AuthenticationTransaction) []AuthenticationHandler {
	if tx == nil || tx.RegisteredService == nil || len(tx.RegisteredService.RequiredHandlers) == 0 {
		return handlers
	}
	out := make([]AuthenticationHandler, 0, len(handlers))
	for _, h := range handlers {
		if tx.RegisteredService.RequiredHandlers.Contains(h.Name()) {
			out = append(out, h)
		}
	}
	return out
}

// PrincipalElectionStrategy 从多个处理器结果中选出唯一主体
type PrincipalElectionStrategy interface {
	Elect(principals []model.Principal) (model.Principal, error)
}

// DefaultPrincipalElectionStrategy 主体 ID 必须一致，属性按名称合并
type DefaultPrincipalElectionStrategy struct{}

func (DefaultPrincipalElectionStrategy) Elect(principals []model.Principal) (model.Principal, error) {
	if len(principals) == 0 {
		return model.Principal{}, ErrNoCredentials
	}
	id := principals[0].ID
	merged := make(map[string][]string)
	for _, p := range principals {
		if p.ID != id {
			return model.Principal{}, ErrMixedPrincipal
		}
		for name, values := range p.Attributes {
			merged[name] = mergeValues(merged[name], values)
		}
	}
	return model.NewPrincipal(id, merged), nil
}

func mergeValues(existing, values []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(values))
	out := make([]string, 0, len(existing)+len(values))
	for _, v := range append(append([]string(nil), existing...), values...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// AuthenticationMetaDataPopulator 向认证记录补充属性
type AuthenticationMetaDataPopulator interface {
	Populate(builder *model.AuthenticationBuilder, tx *AuthenticationTransaction)
}

// RememberMePopulator 用户勾选“记住我”时写入标记
type RememberMePopulator struct{}

func (RememberMePopulator) Populate(b *model.AuthenticationBuilder, tx *AuthenticationTransaction) {
	for _, c := range tx.Credentials {
		if up, ok := c.(*model.UsernamePasswordCredential); ok && up.RememberMe {
			b.AddAttribute(model.AttributeRememberMe, strconv.FormatBool(true))
			return
		}
	}
}

// SuccessfulHandlerMetaDataPopulator 记录成功的处理器名称
type SuccessfulHandlerMetaDataPopulator struct{}

func (SuccessfulHandlerMetaDataPopulator) Populate(b *model.AuthenticationBuilder, _ *AuthenticationTransaction) {
	names := make([]string, 0, len(b.Successes()))
	for name := range b.Successes() {
		names = append(names, name)
	}
	sort.Strings(names)
	b.MergeAttribute(model.AttributeSuccessfulHandlers, names...)
}

// CredentialTypeMetaDataPopulator 记录凭据类型
type CredentialTypeMetaDataPopulator struct{}

func (CredentialTypeMetaDataPopulator) Populate(b *model.AuthenticationBuilder, _ *AuthenticationTransaction) {
	types := make([]string, 0, len(b.Credentials()))
	for _, c := range b.Credentials() {
		types = append(types, c.Type)
	}
	b.MergeAttribute(model.AttributeCredentialType, types...)
}

// DefaultPopulators 默认的元数据补充器
func DefaultPopulators() []AuthenticationMetaDataPopulator {
	return []AuthenticationMetaDataPopulator{
		RememberMePopulator{},
		SuccessfulHandlerMetaDataPopulator{},
		CredentialTypeMetaDataPopulator{},
	}
}

// AuthenticationManager 执行认证事务
type AuthenticationManager interface {
	// Authenticate 策略不满足时返回 *AuthenticationError
	Authenticate(ctx context.Context, tx *AuthenticationTransaction) (*model.Authentication, error)
}

// AuthenticationManagerConfig 认证管理器配置
type AuthenticationManagerConfig struct {
	Handlers   []AuthenticationHandler
	Resolver   AuthenticationHandlerResolver
	Policy     AuthenticationPolicy
	Election   PrincipalElectionStrategy
	Populators []AuthenticationMetaDataPopulator
	Logger     *zap.Logger
}

type policyAuthenticationManager struct {
	handlers   []AuthenticationHandler
	resolver   AuthenticationHandlerResolver
	policy     AuthenticationPolicy
	election   PrincipalElectionStrategy
	populators []AuthenticationMetaDataPopulator
	logger     *zap.Logger
}

// NewAuthenticationManager 创建认证管理器
func NewAuthenticationManager(cfg AuthenticationManagerConfig) AuthenticationManager {
	m := &policyAuthenticationManager{
		handlers:   cfg.Handlers,
		resolver:   cfg.Resolver,
		policy:     cfg.Policy,
		election:   cfg.Election,
		populators: cfg.Populators,
		logger:     cfg.Logger,
	}
	if m.resolver == nil {
		m.resolver = RegisteredServiceHandlerResolver{}
	}
	if m.policy == nil {
		m.policy = &AnyAuthenticationPolicy{}
	}
	if m.election == nil {
		m.election = DefaultPrincipalElectionStrategy{}
	}
	if m.populators == nil {
		m.populators = DefaultPopulators()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

func (m *policyAuthenticationManager) Authenticate(ctx context.Context, tx *AuthenticationTransaction) (*model.Authentication, error) {
	if tx == nil || len(tx.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	handlers := m.resolver.Resolve(m.handlers, tx)
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}

	attempt := newAuthenticationAttempt()
	builder := model.NewAuthenticationBuilder(model.Principal{})
	var principals []model.Principal

credentials:
	for _, credential := range tx.Credentials {
		builder.AddCredential(model.NewCredentialMetaData(credential))
		supported := false
		for _, h := range handlers {
			if !h.Supports(credential) {
				continue
			}
			supported = true
			attempt.Attempted = append(attempt.Attempted, h.Name())
			result, err := h.Authenticate(ctx, credential)
			if err != nil {
				m.logger.Debug("认证处理器失败",
					zap.String("handler", h.Name()),
					zap.String("credential", credential.CredentialID()),
					zap.Error(err))
				attempt.Failures[h.Name()] = err
				builder.AddFailure(h.Name(), err)
				continue
			}
			attempt.Successes[h.Name()] = *result
			builder.AddSuccess(h.Name(), *result)
			principals = append(principals, result.Principal)
			if m.policy.ShouldStop(attempt) {
				break credentials
			}
		}
		if !supported {
			m.logger.Debug("没有处理器支持该凭据", zap.String("type", credential.Type()))
		}
	}

	if !m.policy.IsSatisfiedBy(attempt) {
		m.logger.Info("认证策略未满足",
			zap.String("policy", m.policy.Name()),
			zap.Int("successes", len(attempt.Successes)),
			zap.Int("failures", len(attempt.Failures)))
		return nil, &AuthenticationError{Failures: attempt.Failures, Successes: attempt.Successes}
	}

	principal, err := m.election.Elect(principals)
	if err != nil {
		return nil, err
	}
	builder.SetPrincipal(principal)
	for _, p := range m.populators {
		p.Populate(builder, tx)
	}
	auth := builder.Build()
	m.logger.Info("认证成功", zap.String("principal", auth.Principal.ID), zap.String("policy", m.policy.Name()))
	return auth, nil
}
