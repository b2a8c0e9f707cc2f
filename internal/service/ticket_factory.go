package service

import (
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// TicketFactory 签发各类票据，ID 生成器与过期策略已预先装配
type TicketFactory interface {
	CreateTicketGrantingTicket(auth *model.Authentication) (*model.TGT, error)
	// CreateServiceTicket credentialProvided 表示本次请求提交了新凭据
	CreateServiceTicket(tgt model.TicketGrantingTicket, service model.Service, credentialProvided bool) (model.ServiceTicket, error)
	CreateProxyGrantingTicket(st model.ServiceTicket, auth *model.Authentication) (*model.PGT, error)
	CreateProxyTicket(pgt model.TicketGrantingTicket, service model.Service) (*model.PT, error)
	// NewProxyGrantingTicketIOU 代理回调中与 PGT 一同下发的凭证
	NewProxyGrantingTicketIOU() string
}

// TicketPolicies 各类票据的过期策略
type TicketPolicies struct {
	TicketGrantingTicket model.ExpirationPolicy
	ServiceTicket        model.ExpirationPolicy
	ProxyGrantingTicket  model.ExpirationPolicy
	ProxyTicket          model.ExpirationPolicy
}

type defaultTicketFactory struct {
	ids                 UniqueTicketIDGenerator
	policies            TicketPolicies
	onlyTrackMostRecent bool
}

// NewTicketFactory 创建票据工厂，未配置的策略默认永不过期
func NewTicketFactory(ids UniqueTicketIDGenerator, policies TicketPolicies, onlyTrackMostRecent bool) TicketFactory {
	if policies.TicketGrantingTicket == nil {
		policies.TicketGrantingTicket = model.NeverExpiresExpirationPolicy{}
	}
	if policies.ServiceTicket == nil {
		policies.ServiceTicket = model.NeverExpiresExpirationPolicy{}
	}
	if policies.ProxyGrantingTicket == nil {
		policies.ProxyGrantingTicket = policies.TicketGrantingTicket
	}
	if policies.ProxyTicket == nil {
		policies.ProxyTicket = policies.ServiceTicket
	}
	return &defaultTicketFactory{ids: ids, policies: policies, onlyTrackMostRecent: onlyTrackMostRecent}
}

func (f *defaultTicketFactory) CreateTicketGrantingTicket(auth *model.Authentication) (*model.TGT, error) {
	if !auth.IsSuccessful() {
		return nil, fmt.Errorf("%w: 认证记录无成功的处理器", model.ErrInvalidTicket)
	}
	id := f.ids.NewTicketID(model.PrefixTicketGrantingTicket)
	return model.NewTGT(id, auth, f.policies.TicketGrantingTicket), nil
}

func (f *defaultTicketFactory) CreateServiceTicket(tgt model.TicketGrantingTicket, service model.Service, credentialProvided bool) (model.ServiceTicket, error) {
	if tgt == nil || tgt.IsExpired() {
		return nil, model.ErrInvalidTicket
	}
	switch t := tgt.(type) {
	case *model.PGT:
		return nil, fmt.Errorf("%w: PGT 只能签发代理票据", model.ErrTicketTypeMismatch)
	case *model.TGT:
		id := f.ids.NewTicketID(model.PrefixServiceTicket)
		return t.GrantServiceTicket(id, service, f.policies.ServiceTicket, credentialProvided, f.onlyTrackMostRecent), nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrTicketTypeMismatch, tgt.Kind())
	}
}

func (f *defaultTicketFactory) CreateProxyGrantingTicket(st model.ServiceTicket, auth *model.Authentication) (*model.PGT, error) {
	if st == nil || st.IsExpired() {
		return nil, model.ErrInvalidTicket
	}
	id := f.ids.NewTicketID(model.PrefixProxyGrantingTicket)
	return st.GrantProxyGrantingTicket(id, auth, f.policies.ProxyGrantingTicket)
}

func (f *defaultTicketFactory) CreateProxyTicket(pgt model.TicketGrantingTicket, service model.Service) (*model.PT, error) {
	if pgt == nil || pgt.IsExpired() {
		return nil, model.ErrInvalidTicket
	}
	p, ok := pgt.(*model.PGT)
	if !ok {
		return nil, fmt.Errorf("%w: %s 不是 PGT", model.ErrTicketTypeMismatch, pgt.ID())
	}
	id := f.ids.NewTicketID(model.PrefixProxyTicket)
	return p.GrantProxyTicket(id, service, f.policies.ProxyTicket, f.onlyTrackMostRecent), nil
}

func (f *defaultTicketFactory) NewProxyGrantingTicketIOU() string {
	return f.ids.NewTicketID(model.PrefixProxyGrantingTicketIOU)
}

// PoliciesFromConfig 根据配置构造过期策略
func PoliciesFromConfig(cfg *config.TicketConfig) (TicketPolicies, error) {
	tgt, err := tgtPolicyFromConfig(cfg)
	if err != nil {
		return TicketPolicies{}, err
	}
	st, err := model.NewMultiTimeUseOrTimeoutExpirationPolicy(cfg.ST.NumberOfUses, cfg.ST.TimeToKill)
	if err != nil {
		return TicketPolicies{}, fmt.Errorf("服务票据策略: %w", err)
	}
	pt, err := model.NewMultiTimeUseOrTimeoutExpirationPolicy(cfg.PT.NumberOfUses, cfg.PT.TimeToKill)
	if err != nil {
		return TicketPolicies{}, fmt.Errorf("代理票据策略: %w", err)
	}
	return TicketPolicies{
		TicketGrantingTicket: tgt,
		ServiceTicket:        st,
		ProxyGrantingTicket: &model.TicketGrantingTicketExpirationPolicy{
			MaxTimeToLive: cfg.PGT.MaxTimeToLive,
			TimeToKill:    cfg.PGT.TimeToKill,
		},
		ProxyTicket: pt,
	}, nil
}

func tgtPolicyFromConfig(cfg *config.TicketConfig) (model.ExpirationPolicy, error) {
	session := &model.TicketGrantingTicketExpirationPolicy{
		MaxTimeToLive: cfg.TGT.MaxTimeToLive,
		TimeToKill:    cfg.TGT.TimeToKill,
	}
	switch cfg.TGT.Policy {
	case "", "default":
		return session, nil
	case "timeout":
		return &model.TimeoutExpirationPolicy{TimeToKill: cfg.TGT.TimeToKill}, nil
	case "hard":
		return &model.HardTimeoutExpirationPolicy{TimeToKill: cfg.TGT.MaxTimeToLive}, nil
	case "throttled":
		return &model.ThrottledUseAndTimeoutExpirationPolicy{
			TimeInBetweenUses: cfg.Throttle.TimeInBetweenUses,
			TimeToKill:        cfg.Throttle.TimeToKill,
		}, nil
	case "never":
		return model.NeverExpiresExpirationPolicy{}, nil
	case "remember_me":
		return &model.RememberMeDelegatingExpirationPolicy{
			RememberMe: &model.TimeoutExpirationPolicy{TimeToKill: cfg.TGT.RememberMeTimeToKill},
			Session:    session,
		}, nil
	default:
		return nil, fmt.Errorf("未知的 TGT 过期策略: %s", cfg.TGT.Policy)
	}
}
