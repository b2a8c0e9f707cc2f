package service

import (
	"context"
	"errors"
	"testing"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler 按用户名返回固定结果的处理器
type stubHandler struct {
	name      string
	principal string
	err       error
	calls     int
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Supports(c model.Credential) bool {
	_, ok := c.(*model.UsernamePasswordCredential)
	return ok
}

func (h *stubHandler) Authenticate(_ context.Context, c model.Credential) (*model.HandlerResult, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	principal := h.principal
	if principal == "" {
		principal = c.CredentialID()
	}
	return &model.HandlerResult{
		HandlerName: h.name,
		Credential:  model.NewCredentialMetaData(c),
		Principal:   model.NewPrincipal(principal, map[string][]string{"source": {h.name}}),
	}, nil
}

func credential(rememberMe bool) *model.UsernamePasswordCredential {
	return &model.UsernamePasswordCredential{Username: "alice", Password: "x", RememberMe: rememberMe}
}

func TestAuthenticationPolicies(t *testing.T) {
	ok := func(name string) *stubHandler { return &stubHandler{name: name} }
	fail := func(name string, err error) *stubHandler { return &stubHandler{name: name, err: err} }

	tests := []struct {
		name     string
		policy   AuthenticationPolicy
		handlers []*stubHandler
		wantOK   bool
		calls    []int
	}{
		{"any 首个成功即停止", &AnyAuthenticationPolicy{}, []*stubHandler{ok("a"), ok("b")}, true, []int{1, 0}},
		{"any tryAll 尝试全部", &AnyAuthenticationPolicy{TryAll: true}, []*stubHandler{ok("a"), ok("b")}, true, []int{1, 1}},
		{"any 全部失败", &AnyAuthenticationPolicy{}, []*stubHandler{fail("a", ErrInvalidCredentials)}, false, []int{1}},
		{"all 全部成功", AllAuthenticationPolicy{}, []*stubHandler{ok("a"), ok("b")}, true, []int{1, 1}},
		{"all 有一个失败", AllAuthenticationPolicy{}, []*stubHandler{ok("a"), fail("b", ErrInvalidCredentials)}, false, []int{1, 1}},
		{"required 指定处理器成功", &RequiredHandlerAuthenticationPolicy{HandlerName: "b"}, []*stubHandler{fail("a", ErrInvalidCredentials), ok("b")}, true, []int{1, 1}},
		{"required 指定处理器失败", &RequiredHandlerAuthenticationPolicy{HandlerName: "b"}, []*stubHandler{ok("a"), fail("b", ErrInvalidCredentials)}, false, []int{1, 1}},
		{"not_prevented 普通失败可忽略", NotPreventedAuthenticationPolicy{}, []*stubHandler{fail("a", ErrInvalidCredentials), ok("b")}, true, []int{1, 1}},
		{"not_prevented 被阻止", NotPreventedAuthenticationPolicy{}, []*stubHandler{fail("a", ErrAuthenticationPrevented), ok("b")}, false, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := make([]AuthenticationHandler, 0, len(tt.handlers))
			for _, h := range tt.handlers {
				handlers = append(handlers, h)
			}
			m := NewAuthenticationManager(AuthenticationManagerConfig{Handlers: handlers, Policy: tt.policy})
			auth, err := m.Authenticate(context.Background(), NewAuthenticationTransaction(nil, credential(false)))
			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, "alice", auth.Principal.ID)
			} else {
				var authErr *AuthenticationError
				require.True(t, errors.As(err, &authErr), "期望 *AuthenticationError, 实际 %v", err)
			}
			for i, want := range tt.calls {
				assert.Equal(t, want, tt.handlers[i].calls, "处理器 %s 调用次数", tt.handlers[i].name)
			}
		})
	}
}

func TestNewAuthenticationPolicy(t *testing.T) {
	for _, name := range []string{"", "any", "all", "not_prevented"} {
		p, err := NewAuthenticationPolicy(name, false, "")
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Name())
	}
	p, err := NewAuthenticationPolicy("required", true, "password")
	require.NoError(t, err)
	assert.Equal(t, "required", p.Name())

	_, err = NewAuthenticationPolicy("required", false, "")
	assert.Error(t, err)
	_, err = NewAuthenticationPolicy("unknown", false, "")
	assert.Error(t, err)
}

func TestAuthenticationManager_Errors(t *testing.T) {
	ctx := context.Background()

	m := NewAuthenticationManager(AuthenticationManagerConfig{Handlers: []AuthenticationHandler{&stubHandler{name: "a"}}})
	_, err := m.Authenticate(ctx, NewAuthenticationTransaction(nil))
	assert.ErrorIs(t, err, ErrNoCredentials)

	empty := NewAuthenticationManager(AuthenticationManagerConfig{})
	_, err = empty.Authenticate(ctx, NewAuthenticationTransaction(nil, credential(false)))
	assert.ErrorIs(t, err, ErrNoHandlers)

	failing := NewAuthenticationManager(AuthenticationManagerConfig{
		Handlers: []AuthenticationHandler{&stubHandler{name: "a", err: ErrAccountLocked}},
	})
	_, err = failing.Authenticate(ctx, NewAuthenticationTransaction(nil, credential(false)))
	assert.ErrorIs(t, err, ErrAccountLocked, "AuthenticationError 应能匹配处理器的失败原因")
	assert.Contains(t, err.Error(), "a: ")
}

func TestAuthenticationManager_PrincipalElection(t *testing.T) {
	ctx := context.Background()
	m := NewAuthenticationManager(AuthenticationManagerConfig{
		Handlers: []AuthenticationHandler{
			&stubHandler{name: "a", principal: "alice"},
			&stubHandler{name: "b", principal: "bob"},
		},
		Policy: &AnyAuthenticationPolicy{TryAll: true},
	})
	_, err := m.Authenticate(ctx, NewAuthenticationTransaction(nil, credential(false)))
	assert.ErrorIs(t, err, ErrMixedPrincipal)

	p, err := DefaultPrincipalElectionStrategy{}.Elect([]model.Principal{
		model.NewPrincipal("alice", map[string][]string{"memberOf": {"staff"}}),
		model.NewPrincipal("alice", map[string][]string{"memberOf": {"staff", "admin"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "admin"}, p.Attributes["memberOf"])
}

func TestAuthenticationManager_Populators(t *testing.T) {
	m := NewAuthenticationManager(AuthenticationManagerConfig{
		Handlers: []AuthenticationHandler{&stubHandler{name: "b"}, &stubHandler{name: "a"}},
		Policy:   &AnyAuthenticationPolicy{TryAll: true},
	})
	auth, err := m.Authenticate(context.Background(), NewAuthenticationTransaction(nil, credential(true)))
	require.NoError(t, err)

	assert.True(t, auth.IsRememberMe())
	assert.Equal(t, []string{"a", "b"}, auth.Attribute(model.AttributeSuccessfulHandlers))
	assert.Equal(t, []string{"UsernamePasswordCredential"}, auth.Attribute(model.AttributeCredentialType))
	assert.Equal(t, []string{"b", "a"}, auth.Principal.Attributes["source"])
}

func TestRegisteredServiceHandlerResolver(t *testing.T) {
	handlers := []AuthenticationHandler{&stubHandler{name: "password"}, &stubHandler{name: "accept"}}
	rs := model.NewRegisteredService("app", "^https://app\\.example\\.org.*")

	tx := NewAuthenticationTransaction(nil, credential(false))
	assert.Len(t, RegisteredServiceHandlerResolver{}.Resolve(handlers, tx), 2, "未关联服务时使用全部处理器")

	tx.RegisteredService = rs
	assert.Len(t, RegisteredServiceHandlerResolver{}.Resolve(handlers, tx), 2, "服务未限定处理器时使用全部处理器")

	rs.RequiredHandlers = model.StringSlice{"accept"}
	got := RegisteredServiceHandlerResolver{}.Resolve(handlers, tx)
	require.Len(t, got, 1)
	assert.Equal(t, "accept", got[0].Name())
}

func TestAuthenticationResultBuilder(t *testing.T) {
	primary := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
		AddSuccess("password", model.HandlerResult{HandlerName: "password"}).
		AddAttribute("amr", "pwd").
		Build()
	second := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
		AddSuccess("mfa-duo", model.HandlerResult{HandlerName: "mfa-duo"}).
		AddAttribute("amr", "otp").
		Build()

	b := NewAuthenticationResultBuilder(nil)
	_, err := b.Build(nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	b.Collect(primary).Collect(nil).Collect(second)
	assert.Same(t, primary, b.InitialAuthentication())

	service := model.NewService("https://app.example.org")
	result, err := b.Build(&service)
	require.NoError(t, err)
	assert.True(t, result.CredentialProvided)
	assert.Len(t, result.Authentication.Successes, 2)
	assert.Equal(t, []string{"otp", "pwd"}, result.Authentication.Attribute("amr"))
	assert.Equal(t, primary.AuthenticationDate, result.Authentication.AuthenticationDate)

	mixed := NewAuthenticationResultBuilder(nil).
		Collect(primary).
		Collect(model.NewAuthenticationBuilder(model.NewPrincipal("bob", nil)).Build())
	_, err = mixed.Build(nil)
	assert.ErrorIs(t, err, ErrMixedPrincipal)
}
