package service

import (
	"context"

	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// AuthenticationResult 一次登录流程的最终认证结果
type AuthenticationResult struct {
	Authentication     *model.Authentication
	Service            *model.Service
	CredentialProvided bool
}

// AuthenticationResultBuilder 收集多次认证（例如主认证与多因素认证）并合并
type AuthenticationResultBuilder struct {
	authentications []*model.Authentication
	election        PrincipalElectionStrategy
}

// NewAuthenticationResultBuilder 创建结果构建器
func NewAuthenticationResultBuilder(election PrincipalElectionStrategy) *AuthenticationResultBuilder {
	if election == nil {
		election = DefaultPrincipalElectionStrategy{}
	}
	return &AuthenticationResultBuilder{election: election}
}

// Collect 加入一次认证
func (b *AuthenticationResultBuilder) Collect(auth *model.Authentication) *AuthenticationResultBuilder {
	if auth != nil {
		b.authentications = append(b.authentications, auth)
	}
	return b
}

// InitialAuthentication 第一次收集的认证
func (b *AuthenticationResultBuilder) InitialAuthentication() *model.Authentication {
	if len(b.authentications) == 0 {
		return nil
	}
	return b.authentications[0]
}

// Build 合并全部认证，主体不一致时返回 ErrMixedPrincipal
func (b *AuthenticationResultBuilder) Build(service *model.Service) (*AuthenticationResult, error) {
	if len(b.authentications) == 0 {
		return nil, ErrNoCredentials
	}
	principals := make([]model.Principal, 0, len(b.authentications))
	for _, a := range b.authentications {
		principals = append(principals, a.Principal)
	}
	principal, err := b.election.Elect(principals)
	if err != nil {
		return nil, err
	}

	first := b.authentications[0]
	builder := model.NewAuthenticationBuilder(principal).SetAuthenticationDate(first.AuthenticationDate)
	for _, a := range b.authentications {
		for _, c := range a.Credentials {
			builder.AddCredential(c)
		}
		for name, r := range a.Successes {
			builder.AddSuccess(name, r)
		}
		for name, reason := range a.Failures {
			builder.AddFailure(name, stringError(reason))
		}
		for name, values := range a.Attributes {
			builder.MergeAttribute(name, values...)
		}
	}
	return &AuthenticationResult{
		Authentication:     builder.Build(),
		Service:            service,
		CredentialProvided: true,
	}, nil
}

type stringError string

func (e stringError) Error() string { return string(e) }

// AuthenticationSystemSupport 登录流程使用的认证入口
type AuthenticationSystemSupport struct {
	manager  AuthenticationManager
	election PrincipalElectionStrategy
}

// NewAuthenticationSystemSupport 创建认证入口
func NewAuthenticationSystemSupport(manager AuthenticationManager, election PrincipalElectionStrategy) *AuthenticationSystemSupport {
	if election == nil {
		election = DefaultPrincipalElectionStrategy{}
	}
	return &AuthenticationSystemSupport{manager: manager, election: election}
}

// HandleAuthenticationTransaction 执行一次认证并收集到 builder
func (s *AuthenticationSystemSupport) HandleAuthenticationTransaction(ctx context.Context, builder *AuthenticationResultBuilder, tx *AuthenticationTransaction) error {
	auth, err := s.manager.Authenticate(ctx, tx)
	if err != nil {
		return err
	}
	builder.Collect(auth)
	return nil
}

// FinalizeAllAuthenticationTransactions 合并已收集的认证
func (s *AuthenticationSystemSupport) FinalizeAllAuthenticationTransactions(builder *AuthenticationResultBuilder, service *model.Service) (*AuthenticationResult, error) {
	return builder.Build(service)
}

// HandleAndFinalizeSingleAuthenticationTransaction 单次认证即完成的流程，例如 REST 接口
func (s *AuthenticationSystemSupport) HandleAndFinalizeSingleAuthenticationTransaction(ctx context.Context, service *model.Service, registered *model.RegisteredService, credentials ...model.Credential) (*AuthenticationResult, error) {
	builder := NewAuthenticationResultBuilder(s.election)
	tx := NewAuthenticationTransaction(service, credentials...)
	tx.RegisteredService = registered
	if err := s.HandleAuthenticationTransaction(ctx, builder, tx); err != nil {
		return nil, err
	}
	return s.FinalizeAllAuthenticationTransactions(builder, service)
}
