package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/stretchr/testify/assert"
)

func mfaService(providerID, mode string) *model.RegisteredService {
	rs := model.NewRegisteredService("app", "^https://app\\.example\\.org.*")
	if providerID != "" {
		rs.MFAProviders = model.StringSlice{providerID}
	}
	rs.MFAFailureMode = mode
	return rs
}

func plainAuthentication() *model.Authentication {
	return model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).Build()
}

func TestParseFailureMode(t *testing.T) {
	assert.Equal(t, FailureModeOpen, ParseFailureMode(" OPEN "))
	assert.Equal(t, FailureModeClosed, ParseFailureMode("closed"))
	assert.Equal(t, FailureModeUndefined, ParseFailureMode("phantom"))
	assert.Equal(t, FailureModeUndefined, ParseFailureMode(""))
}

func TestAuthenticationContextValidator(t *testing.T) {
	ctx := context.Background()
	duo := &StaticMFAProvider{ProviderID: "mfa-duo", Available: true}
	v := NewAuthenticationContextValidator([]MultifactorAuthenticationProvider{duo}, FailureModeClosed, "", nil)

	t.Run("服务未要求", func(t *testing.T) {
		rs := mfaService("", "")
		r := v.Validate(ctx, plainAuthentication(), v.RequestedContext(rs), rs)
		assert.True(t, r.Satisfied)
		assert.Equal(t, ReasonNotRequested, r.Reason)
	})

	t.Run("未识别的上下文", func(t *testing.T) {
		rs := mfaService("mfa-unknown", "")
		r := v.Validate(ctx, plainAuthentication(), v.RequestedContext(rs), rs)
		assert.False(t, r.Satisfied)
		assert.Equal(t, ReasonUnrecognizedContext, r.Reason)
	})

	t.Run("认证已包含上下文", func(t *testing.T) {
		auth := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
			AddAttribute(model.AttributeAuthnContextClass, "mfa-duo").
			Build()
		r := v.Validate(ctx, auth, "mfa-duo", nil)
		assert.True(t, r.Satisfied)
		assert.Equal(t, ReasonSatisfied, r.Reason)
		assert.Equal(t, "mfa-duo", r.ProviderID)
	})

	t.Run("绕过指定提供者", func(t *testing.T) {
		auth := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
			AddAttribute(model.AttributeBypassMFA, "true").
			AddAttribute(model.AttributeBypassMFAProviderID, "mfa-duo").
			Build()
		r := v.Validate(ctx, auth, "mfa-duo", nil)
		assert.True(t, r.Satisfied)
		assert.Equal(t, ReasonBypassed, r.Reason)
	})

	t.Run("绕过其他提供者不生效", func(t *testing.T) {
		auth := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
			AddAttribute(model.AttributeBypassMFA, "true").
			AddAttribute(model.AttributeBypassMFAProviderID, "mfa-gauth").
			Build()
		r := v.Validate(ctx, auth, "mfa-duo", nil)
		assert.False(t, r.Satisfied)
		assert.Equal(t, ReasonNotSatisfied, r.Reason)
	})

	t.Run("自定义上下文属性", func(t *testing.T) {
		custom := NewAuthenticationContextValidator([]MultifactorAuthenticationProvider{duo}, FailureModeClosed, "amr", nil)
		auth := model.NewAuthenticationBuilder(model.NewPrincipal("alice", nil)).
			AddAttribute("amr", "mfa-duo").
			Build()
		assert.True(t, custom.Validate(ctx, auth, "mfa-duo", nil).Satisfied)
	})
}

func TestHTTPHealthMFAProvider(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &HTTPHealthMFAProvider{ProviderID: "mfa-duo", HealthURL: srv.URL, Client: srv.Client()}
	ctx := context.Background()
	assert.True(t, p.IsAvailable(ctx, nil))

	healthy.Store(false)
	assert.False(t, p.IsAvailable(ctx, nil))

	down := &HTTPHealthMFAProvider{ProviderID: "mfa-duo", HealthURL: "http://127.0.0.1:1/health"}
	assert.False(t, down.IsAvailable(ctx, nil))
}

func TestProvidersFromConfig(t *testing.T) {
	providers := ProvidersFromConfig([]config.MFAProviderConfig{
		{ID: "mfa-duo", FailureMode: "open", Available: true},
		{ID: "mfa-gauth", HealthURL: "http://127.0.0.1:1/health"},
	})
	if assert.Len(t, providers, 2) {
		assert.IsType(t, &StaticMFAProvider{}, providers[0])
		assert.Equal(t, FailureModeOpen, providers[0].FailureMode())
		assert.IsType(t, &HTTPHealthMFAProvider{}, providers[1])
		assert.Equal(t, FailureModeUndefined, providers[1].FailureMode())
	}
}

// Property 7: 提供者不可用时失败模式按服务、提供者、全局的顺序决定
func TestProperty_MFAFailureModeFallback(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	modes := gen.OneConstOf(FailureModeUndefined, FailureModeOpen, FailureModeClosed)

	properties.Property("第一个已定义的失败模式生效，默认 closed", prop.ForAll(
		func(serviceMode, providerMode, globalMode FailureMode) bool {
			provider := &StaticMFAProvider{ProviderID: "mfa-duo", Available: false, Mode: providerMode}
			v := NewAuthenticationContextValidator([]MultifactorAuthenticationProvider{provider}, globalMode, "", nil)
			rs := mfaService("mfa-duo", string(serviceMode))

			want := FailureModeClosed
			for _, m := range []FailureMode{serviceMode, providerMode, globalMode} {
				if m != FailureModeUndefined {
					want = m
					break
				}
			}

			r := v.Validate(context.Background(), plainAuthentication(), v.RequestedContext(rs), rs)
			if want == FailureModeOpen {
				return r.Satisfied && r.Reason == ReasonFailureModeOpen
			}
			return !r.Satisfied && r.Reason == ReasonProviderUnavailable
		},
		modes, modes, modes,
	))

	properties.TestingRun(t)
}
