package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"go.uber.org/zap"
)

// CentralAuthenticationService CAS 票据生命周期
type CentralAuthenticationService interface {
	// CreateTicketGrantingTicket 登录成功后创建 TGT
	CreateTicketGrantingTicket(ctx context.Context, result *AuthenticationResult) (*model.TGT, error)
	// GetTicketGrantingTicket 获取未过期的 TGT
	GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TGT, error)
	// GrantServiceTicket result 为空表示单点登录，不提交新凭据
	GrantServiceTicket(ctx context.Context, tgtID string, service model.Service, result *AuthenticationResult) (model.ServiceTicket, error)
	// CreateProxyGrantingTicket 基于已验证的 ST 创建 PGT
	CreateProxyGrantingTicket(ctx context.Context, stID string, result *AuthenticationResult) (*model.PGT, error)
	// DelegateTicketGrantingTicket 认证代理回调地址、创建 PGT 并交付，返回 PGTIOU
	DelegateTicketGrantingTicket(ctx context.Context, stID string, credential *model.HTTPBasedServiceCredential) (string, error)
	GrantProxyTicket(ctx context.Context, pgtID string, service model.Service) (*model.PT, error)
	// ValidateServiceTicket 验证 ST/PT 并返回断言
	ValidateServiceTicket(ctx context.Context, stID string, service model.Service) (*model.Assertion, error)
	// DestroyTicketGrantingTicket 注销会话，TGT 不存在时不报错
	DestroyTicketGrantingTicket(ctx context.Context, tgtID string) ([]LogoutRequest, error)
}

// CASConfig 装配 CAS 服务所需组件，Registry、Factory、Services 必填
type CASConfig struct {
	Registry      repository.TicketRegistry
	Factory       TicketFactory
	Services      ServicesManager
	Access        AuditableExecution
	Logout        LogoutManager
	MFA           *AuthenticationContextValidator
	// ProxySupport 认证代理回调地址，通常只装配 HTTP 回调处理器
	ProxySupport  *AuthenticationSystemSupport
	ProxyCallback ProxyCallbackHandler
	Logger        *zap.Logger
}

type centralAuthenticationService struct {
	registry      repository.TicketRegistry
	factory       TicketFactory
	services      ServicesManager
	access        AuditableExecution
	logout        LogoutManager
	mfa           *AuthenticationContextValidator
	proxySupport  *AuthenticationSystemSupport
	proxyCallback ProxyCallbackHandler
	logger        *zap.Logger
}

// NewCentralAuthenticationService 创建 CAS 服务
func NewCentralAuthenticationService(cfg CASConfig) CentralAuthenticationService {
	s := &centralAuthenticationService{
		registry:      cfg.Registry,
		factory:       cfg.Factory,
		services:      cfg.Services,
		access:        cfg.Access,
		logout:        cfg.Logout,
		mfa:           cfg.MFA,
		proxySupport:  cfg.ProxySupport,
		proxyCallback: cfg.ProxyCallback,
		logger:        cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.access == nil {
		s.access = NewRegisteredServiceAccessStrategyEnforcer(nil, s.logger)
	}
	return s
}

func (s *centralAuthenticationService) CreateTicketGrantingTicket(ctx context.Context, result *AuthenticationResult) (*model.TGT, error) {
	if result == nil || !result.Authentication.IsSuccessful() {
		return nil, ErrNoCredentials
	}
	if result.Service != nil {
		rs, err := s.services.FindServiceBy(ctx, *result.Service)
		if err != nil {
			return nil, err
		}
		if err := s.enforce(ctx, result.Service, rs, result.Authentication); err != nil {
			return nil, err
		}
	}

	tgt, err := s.factory.CreateTicketGrantingTicket(result.Authentication)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, tgt); err != nil {
		return nil, err
	}
	s.logger.Info("创建 TGT",
		zap.String("principal", result.Authentication.Principal.ID),
		zap.String("tgt", tgt.ID()))
	return tgt, nil
}

func (s *centralAuthenticationService) GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TGT, error) {
	tgt, err := s.loadTicketGrantingTicket(ctx, tgtID)
	if err != nil {
		return nil, err
	}
	return tgt, nil
}

// loadTicketGrantingTicket 获取 TGT，已过期的会被注销
func (s *centralAuthenticationService) loadTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TGT, error) {
	tgt, err := repository.GetTicketAs[*model.TGT](ctx, s.registry, tgtID)
	if err != nil {
		return nil, invalidTicket(tgtID, err)
	}
	if tgt.IsExpired() {
		s.logger.Debug("TGT 已过期", zap.String("tgt", tgtID))
		if _, err := s.DestroyTicketGrantingTicket(ctx, tgtID); err != nil {
			s.logger.Warn("删除过期 TGT 失败", zap.String("tgt", tgtID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, tgtID)
	}
	return tgt, nil
}

func (s *centralAuthenticationService) GrantServiceTicket(ctx context.Context, tgtID string, service model.Service, result *AuthenticationResult) (model.ServiceTicket, error) {
	tgt, err := s.loadTicketGrantingTicket(ctx, tgtID)
	if err != nil {
		return nil, err
	}
	rs, err := s.services.FindServiceBy(ctx, service)
	if err != nil {
		return nil, err
	}

	auth := tgt.Authentication()
	credentialProvided := result != nil && result.CredentialProvided
	if result != nil && result.Authentication != nil {
		if result.Authentication.Principal.ID != auth.Principal.ID {
			return nil, fmt.Errorf("%w: %s != %s", ErrMixedPrincipal, result.Authentication.Principal.ID, auth.Principal.ID)
		}
		auth = result.Authentication
	}
	if err := s.enforce(ctx, &service, rs, auth); err != nil {
		return nil, err
	}

	if tgt.CountOfUses() > 0 && !rs.IsSSOEnabled() && !credentialProvided {
		s.logger.Info("服务不参与单点登录", zap.String("service", service.ID), zap.String("tgt", tgtID))
		return nil, fmt.Errorf("%w: %s", model.ErrUnauthorizedSSO, service.ID)
	}

	if s.mfa != nil {
		requested := s.mfa.RequestedContext(rs)
		if requested != "" {
			v := s.mfa.Validate(ctx, auth, requested, rs)
			if !v.Satisfied {
				return nil, fmt.Errorf("%w: %s (%s)", model.ErrUnsatisfiedAuthenticationPolicy, v.ProviderID, v.Reason)
			}
		}
	}

	st, err := s.factory.CreateServiceTicket(tgt, service, credentialProvided)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, st); err != nil {
		return nil, err
	}
	if err := s.registry.UpdateTicket(ctx, tgt); err != nil {
		return nil, err
	}
	s.logger.Info("签发服务票据",
		zap.String("st", st.ID()),
		zap.String("service", service.ID),
		zap.String("principal", auth.Principal.ID))
	return st, nil
}

func (s *centralAuthenticationService) CreateProxyGrantingTicket(ctx context.Context, stID string, result *AuthenticationResult) (*model.PGT, error) {
	if result == nil || !result.Authentication.IsSuccessful() {
		return nil, ErrNoCredentials
	}
	st, err := repository.GetTicketAs[model.ServiceTicket](ctx, s.registry, stID)
	if err != nil {
		return nil, invalidTicket(stID, err)
	}
	if st.IsExpired() {
		s.deleteQuietly(ctx, stID)
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, stID)
	}

	svc := st.Service()
	rs, err := s.services.FindServiceBy(ctx, svc)
	if err != nil {
		return nil, err
	}
	if err := s.enforce(ctx, &svc, rs, nil); err != nil {
		return nil, err
	}
	callback := result.Authentication.Principal.ID
	if !rs.IsProxyAllowed(callback) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedProxying, callback)
	}

	parent, err := repository.GetTicketAs[model.TicketGrantingTicket](ctx, s.registry, st.GrantingTicketID())
	if err != nil {
		return nil, invalidTicket(st.GrantingTicketID(), err)
	}
	if parent.IsExpired() {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, parent.ID())
	}

	pgt, err := s.factory.CreateProxyGrantingTicket(st, result.Authentication)
	if err != nil {
		return nil, err
	}
	parent.AddProxyGrantingTicket(pgt.ID(), svc)
	if err := s.registry.AddTicket(ctx, pgt); err != nil {
		return nil, err
	}
	if err := s.registry.UpdateTicket(ctx, parent); err != nil {
		return nil, err
	}
	if err := s.registry.UpdateTicket(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("创建 PGT", zap.String("pgt", pgt.ID()), zap.String("callback", callback))
	return pgt, nil
}

func (s *centralAuthenticationService) DelegateTicketGrantingTicket(ctx context.Context, stID string, credential *model.HTTPBasedServiceCredential) (string, error) {
	if s.proxySupport == nil || s.proxyCallback == nil {
		return "", ErrUnauthorizedProxying
	}
	result, err := s.proxySupport.HandleAndFinalizeSingleAuthenticationTransaction(ctx, nil, nil, credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorizedProxying, err)
	}
	pgt, err := s.CreateProxyGrantingTicket(ctx, stID, result)
	if err != nil {
		return "", err
	}
	iou, err := s.proxyCallback.Handle(ctx, credential, pgt.ID())
	if err != nil {
		s.deleteQuietly(ctx, pgt.ID())
		return "", err
	}
	return iou, nil
}

func (s *centralAuthenticationService) GrantProxyTicket(ctx context.Context, pgtID string, service model.Service) (*model.PT, error) {
	pgt, err := repository.GetTicketAs[*model.PGT](ctx, s.registry, pgtID)
	if err != nil {
		return nil, invalidTicket(pgtID, err)
	}
	if pgt.IsExpired() {
		s.deleteQuietly(ctx, pgtID)
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, pgtID)
	}
	rs, err := s.services.FindServiceBy(ctx, service)
	if err != nil {
		return nil, err
	}
	if err := s.enforce(ctx, &service, rs, pgt.Authentication()); err != nil {
		return nil, err
	}

	pt, err := s.factory.CreateProxyTicket(pgt, service)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, pt); err != nil {
		return nil, err
	}
	if err := s.registry.UpdateTicket(ctx, pgt); err != nil {
		return nil, err
	}
	s.logger.Info("签发代理票据", zap.String("pt", pt.ID()), zap.String("service", service.ID))
	return pt, nil
}

func (s *centralAuthenticationService) ValidateServiceTicket(ctx context.Context, stID string, service model.Service) (assertion *model.Assertion, err error) {
	st, err := repository.GetTicketAs[model.ServiceTicket](ctx, s.registry, stID)
	if err != nil {
		return nil, invalidTicket(stID, err)
	}
	rs, err := s.services.FindServiceBy(ctx, service)
	if err != nil {
		return nil, err
	}
	if rs == nil || !rs.IsServiceAccessAllowed() {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedService, service.ID)
	}

	// 无论验证结果如何，用尽或过期的票据都要删除，其余的写回使用次数
	defer func() {
		if st.IsExpired() {
			s.deleteQuietly(ctx, stID)
			return
		}
		if uerr := s.registry.UpdateTicket(ctx, st); uerr != nil && err == nil {
			assertion, err = nil, uerr
		}
	}()

	if st.IsExpired() {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, stID)
	}
	if !st.IsValidFor(service) {
		s.logger.Warn("服务票据与服务不匹配",
			zap.String("st", stID),
			zap.String("expected", st.Service().ID),
			zap.String("actual", service.ID))
		return nil, fmt.Errorf("%w: %s", ErrServiceMismatch, service.ID)
	}

	chain, proxies, err := s.walkChain(ctx, st)
	if err != nil {
		st.MarkExpired()
		return nil, err
	}
	primary := chain[len(chain)-1]
	if err := s.enforce(ctx, &service, rs, primary); err != nil {
		return nil, err
	}

	assertion = &model.Assertion{
		PrimaryAuthentication:  primary,
		ChainedAuthentications: chain,
		Service:                st.Service(),
		FromNewLogin:           st.IsFromNewLogin(),
		ReleasedAttributes:     rs.AttributeReleasePolicy().GetAttributes(primary.Principal),
		ProxyChain:             proxies,
		RegisteredService:      rs,
	}
	s.logger.Info("服务票据验证通过",
		zap.String("st", stID),
		zap.String("service", service.ID),
		zap.String("principal", primary.Principal.ID))
	return assertion, nil
}

// walkChain 从 ST 的上级沿签发链走到根 TGT，收集认证与代理服务
// 链上任一票据缺失或过期都视为 ST 无效
func (s *centralAuthenticationService) walkChain(ctx context.Context, st model.ServiceTicket) ([]*model.Authentication, []model.Service, error) {
	var (
		chain   []*model.Authentication
		proxies []model.Service
	)
	id := st.GrantingTicketID()
	for id != "" {
		parent, err := repository.GetTicketAs[model.TicketGrantingTicket](ctx, s.registry, id)
		if err != nil {
			return nil, nil, invalidTicket(id, err)
		}
		if parent.IsExpired() {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrInvalidTicket, id)
		}
		chain = append(chain, parent.Authentication())
		if pgt, ok := parent.(*model.PGT); ok {
			proxies = append(proxies, pgt.ProxiedBy())
		}
		id = parent.GrantingTicketID()
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("%w: %s 没有上级票据", model.ErrInvalidTicket, st.ID())
	}
	return chain, proxies, nil
}

func (s *centralAuthenticationService) DestroyTicketGrantingTicket(ctx context.Context, tgtID string) ([]LogoutRequest, error) {
	tgt, err := repository.GetTicketAs[model.TicketGrantingTicket](ctx, s.registry, tgtID)
	if err != nil {
		if errors.Is(err, model.ErrTicketNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var requests []LogoutRequest
	if s.logout != nil {
		requests = s.logout.PerformLogout(ctx, tgt)
	} else {
		tgt.MarkExpired()
	}
	if _, err := s.registry.DeleteTicket(ctx, tgtID); err != nil {
		return requests, err
	}
	s.logger.Info("注销会话",
		zap.String("tgt", tgtID),
		zap.String("principal", tgt.Authentication().Principal.ID),
		zap.Int("logout_requests", len(requests)))
	return requests, nil
}

func (s *centralAuthenticationService) enforce(ctx context.Context, svc *model.Service, rs *model.RegisteredService, auth *model.Authentication) error {
	result := s.access.Execute(ctx, &AuditableContext{
		Service:           svc,
		RegisteredService: rs,
		Authentication:    auth,
	})
	return result.ThrowExceptionIfNeeded()
}

func (s *centralAuthenticationService) deleteQuietly(ctx context.Context, id string) {
	if _, err := s.registry.DeleteTicket(ctx, id); err != nil {
		s.logger.Warn("删除票据失败", zap.String("ticket", id), zap.Error(err))
	}
}

// invalidTicket 把查找失败统一为 ErrInvalidTicket，保留原因
func invalidTicket(id string, err error) error {
	if errors.Is(err, model.ErrTicketNotFound) || errors.Is(err, model.ErrTicketTypeMismatch) {
		return fmt.Errorf("%w: %w", model.ErrInvalidTicket, err)
	}
	return err
}

// IsRequestAskingForServiceTicket 请求是否可以直接用已有 TGT 签发 ST
func IsRequestAskingForServiceTicket(tgtID string, service *model.Service, renew bool) bool {
	return tgtID != "" && service != nil && service.ID != "" && !renew
}
