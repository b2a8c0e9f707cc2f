package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	appService     = "https://app.example.org"
	otherService   = "https://other.example.org"
	backendService = "https://backend.example.org"
)

type recordingSender struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, logoutURL, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, logoutURL)
	return s.err
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

type casFixture struct {
	registry repository.TicketRegistry
	services ServicesManager
	support  *AuthenticationSystemSupport
	sender   *recordingSender
	clock    *model.FakeClock
	ids      UniqueTicketIDGenerator
	cas      CentralAuthenticationService
}

type fixtureOption func(*casFixture, *CASConfig)

func withMFA(global FailureMode, providers ...MultifactorAuthenticationProvider) fixtureOption {
	return func(f *casFixture, cfg *CASConfig) {
		cfg.MFA = NewAuthenticationContextValidator(providers, global, "", nil)
	}
}

func withProxy(client *http.Client) fixtureOption {
	return func(f *casFixture, cfg *CASConfig) {
		proxyManager := NewAuthenticationManager(AuthenticationManagerConfig{
			Handlers: []AuthenticationHandler{NewHTTPBasedServiceCredentialsAuthenticationHandler(client, false)},
		})
		cfg.ProxySupport = NewAuthenticationSystemSupport(proxyManager, nil)
		cfg.ProxyCallback = NewHTTPProxyCallbackHandler(client, cfg.Factory, nil)
	}
}

func newCASFixture(t *testing.T, services []*model.RegisteredService, opts ...fixtureOption) *casFixture {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	t.Cleanup(model.SetClock(clock.Now))

	userRepo := newMockUserRepository()
	roleRepo := newMockRoleRepository()
	userRoleRepo := newMockUserRoleRepository(roleRepo)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		createTestUser(ctx, userRepo, name, "Secret123")
	}
	roleRepo.Create(ctx, &model.Role{Name: "员工", Code: "staff", Status: model.StatusActive})
	userRoleRepo.Assign(ctx, "test-user-alice", "role-staff")

	manager := NewAuthenticationManager(AuthenticationManagerConfig{
		Handlers: []AuthenticationHandler{NewPasswordAuthenticationHandler(userRepo, userRoleRepo, nil)},
		Policy:   &AnyAuthenticationPolicy{},
	})

	st, err := model.NewMultiTimeUseOrTimeoutExpirationPolicy(1, 10*time.Second)
	require.NoError(t, err)
	ids := NewTicketIDGenerator("cas.example.org", DefaultRandomLength)
	factory := NewTicketFactory(ids, TicketPolicies{
		TicketGrantingTicket: &model.TicketGrantingTicketExpirationPolicy{MaxTimeToLive: 8 * time.Hour, TimeToKill: 2 * time.Hour},
		ServiceTicket:        st,
	}, true)

	f := &casFixture{
		registry: repository.NewTicketRegistry(repository.NewMemoryTicketStore(16), nil, nil),
		services: NewServicesManager(repository.NewMemoryRegisteredServiceRepository(services...), nil),
		support:  NewAuthenticationSystemSupport(manager, nil),
		sender:   &recordingSender{},
		clock:    clock,
		ids:      ids,
	}
	cfg := CASConfig{
		Registry: f.registry,
		Factory:  factory,
		Services: f.services,
		Logout:   NewDefaultLogoutManager(f.services, f.sender, ids, nil).WithTicketRegistry(f.registry),
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	f.cas = NewCentralAuthenticationService(cfg)
	return f
}

func (f *casFixture) login(t *testing.T, username string, service *model.Service) *AuthenticationResult {
	t.Helper()
	result, err := f.support.HandleAndFinalizeSingleAuthenticationTransaction(context.Background(), service, nil,
		&model.UsernamePasswordCredential{Username: username, Password: "Secret123"})
	require.NoError(t, err)
	return result
}

func (f *casFixture) createTGT(t *testing.T, username string) *model.TGT {
	t.Helper()
	tgt, err := f.cas.CreateTicketGrantingTicket(context.Background(), f.login(t, username, nil))
	require.NoError(t, err)
	return tgt
}

func registered(name, pattern string, mutate ...func(*model.RegisteredService)) *model.RegisteredService {
	rs := model.NewRegisteredService(name, pattern)
	for _, m := range mutate {
		m(rs)
	}
	return rs
}

func defaultServices() []*model.RegisteredService {
	return []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`),
		registered("other", `^https://other\.example\.org.*`),
	}
}

func TestCAS_EndToEnd(t *testing.T) {
	tests := []struct {
		name    string
		release string
		check   func(t *testing.T, attrs map[string][]string)
	}{
		{
			name:    "不释放属性",
			release: model.ReleaseDenyAll,
			check: func(t *testing.T, attrs map[string][]string) {
				assert.Empty(t, attrs)
			},
		},
		{
			name:    "释放全部属性",
			release: model.ReleaseReturnAll,
			check: func(t *testing.T, attrs map[string][]string) {
				assert.Equal(t, []string{"alice@example.com"}, attrs["mail"])
				assert.Equal(t, []string{"staff"}, attrs[model.AttributeMemberOf])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCASFixture(t, []*model.RegisteredService{
				registered("app", `^https://app\.example\.org.*`, func(rs *model.RegisteredService) {
					rs.ReleasePolicy = tt.release
				}),
			})
			ctx := context.Background()
			svc := model.NewService(appService)

			tgt := f.createTGT(t, "alice")
			st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, nil)
			require.NoError(t, err)
			assert.True(t, st.IsFromNewLogin())

			assertion, err := f.cas.ValidateServiceTicket(ctx, st.ID(), svc)
			require.NoError(t, err)
			assert.Equal(t, "alice", assertion.Principal().ID)
			assert.Len(t, assertion.ChainedAuthentications, 1)
			assert.Empty(t, assertion.ProxyChain)
			assert.Equal(t, appService, assertion.Service.ID)
			tt.check(t, assertion.ReleasedAttributes)
		})
	}
}

func TestCAS_DestroyedTicketGrantingTicket(t *testing.T) {
	f := newCASFixture(t, defaultServices())
	ctx := context.Background()

	tgt := f.createTGT(t, "alice")
	_, err := f.cas.DestroyTicketGrantingTicket(ctx, tgt.ID())
	require.NoError(t, err)

	_, err = f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	assert.ErrorIs(t, err, model.ErrInvalidTicket)
	assert.True(t, model.IsTicketError(err))

	_, err = f.registry.GetTicket(ctx, tgt.ID())
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	// 重复注销不报错
	requests, err := f.cas.DestroyTicketGrantingTicket(ctx, tgt.ID())
	assert.NoError(t, err)
	assert.Empty(t, requests)
}

func TestCAS_ExpiredTicketGrantingTicket(t *testing.T) {
	f := newCASFixture(t, defaultServices())
	ctx := context.Background()

	tgt := f.createTGT(t, "alice")
	f.clock.Advance(3 * time.Hour)

	_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	assert.ErrorIs(t, err, model.ErrInvalidTicket)
	_, err = f.registry.GetTicket(ctx, tgt.ID())
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	_, err = f.cas.GetTicketGrantingTicket(ctx, tgt.ID())
	assert.ErrorIs(t, err, model.ErrInvalidTicket)
}

func TestCAS_CreateTicketGrantingTicket(t *testing.T) {
	f := newCASFixture(t, defaultServices())
	ctx := context.Background()

	_, err := f.cas.CreateTicketGrantingTicket(ctx, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	unknown := model.NewService("https://unknown.example.org")
	_, err = f.cas.CreateTicketGrantingTicket(ctx, f.login(t, "alice", &unknown))
	assert.ErrorIs(t, err, ErrUnauthorizedService)

	known := model.NewService(appService)
	tgt, err := f.cas.CreateTicketGrantingTicket(ctx, f.login(t, "alice", &known))
	require.NoError(t, err)
	assert.Regexp(t, `^TGT-\d+-[A-Z2-7]{50}-cas$`, tgt.ID())
	assert.Equal(t, int64(1), f.registry.SessionCount(ctx))
}

func TestCAS_GrantServiceTicketAccessDenied(t *testing.T) {
	f := newCASFixture(t, []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`),
		registered("disabled", `^https://disabled\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.Status = model.StatusDisabled
		}),
		registered("admins", `^https://admin\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.RequiredAttributes = model.AttributeMap{model.AttributeMemberOf: {"admin"}}
		}),
	})
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")

	for _, id := range []string{"https://unknown.example.org", "https://disabled.example.org", "https://admin.example.org"} {
		_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(id), nil)
		assert.True(t, IsAccessDenied(err), "%s: %v", id, err)
	}
	assert.Equal(t, int64(0), f.registry.ServiceTicketCount(ctx))
}

// 服务票据只能验证一次
func TestProperty_ServiceTicketSingleUse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	f := newCASFixture(t, defaultServices())
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")

	properties.Property("第二次验证失败", prop.ForAll(
		func(path string) bool {
			svc := model.NewService(appService + "/" + path)
			st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, nil)
			if err != nil {
				t.Logf("签发失败: %v", err)
				return false
			}
			if _, err := f.cas.ValidateServiceTicket(ctx, st.ID(), svc); err != nil {
				t.Logf("首次验证失败: %v", err)
				return false
			}
			_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), svc)
			return errors.Is(err, model.ErrInvalidTicket)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCAS_SSODisallowed(t *testing.T) {
	f := newCASFixture(t, []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`),
		registered("other", `^https://other\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.SSOEnabled = false
		}),
	})
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")

	_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	require.NoError(t, err)

	_, err = f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(otherService), nil)
	assert.ErrorIs(t, err, model.ErrUnauthorizedSSO)

	_, err = f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	assert.NoError(t, err)

	// 提交新凭据后允许
	other := model.NewService(otherService)
	st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), other, f.login(t, "alice", &other))
	require.NoError(t, err)
	assert.True(t, st.IsFromNewLogin())
}

func TestCAS_SSODisallowedFirstUse(t *testing.T) {
	f := newCASFixture(t, []*model.RegisteredService{
		registered("other", `^https://other\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.SSOEnabled = false
		}),
	})
	tgt := f.createTGT(t, "alice")

	// 刚登录的 TGT 首次签发不算单点登录
	_, err := f.cas.GrantServiceTicket(context.Background(), tgt.ID(), model.NewService(otherService), nil)
	assert.NoError(t, err)
}

// 新凭据的主体与会话主体不一致时拒绝签发
func TestProperty_MixedPrincipal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	f := newCASFixture(t, defaultServices())
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")
	svc := model.NewService(appService)

	properties.Property("主体不一致返回 ErrMixedPrincipal", prop.ForAll(
		func(principal string) bool {
			b := model.NewAuthenticationBuilder(model.NewPrincipal(principal, nil))
			b.AddSuccess(AcceptUsersHandlerName, model.HandlerResult{HandlerName: AcceptUsersHandlerName})
			result := &AuthenticationResult{Authentication: b.Build(), Service: &svc, CredentialProvided: true}
			_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, result)
			return errors.Is(err, ErrMixedPrincipal) && IsAccessDenied(err)
		},
		gen.Identifier().SuchThat(func(s string) bool { return s != "alice" }),
	))

	properties.TestingRun(t)
	assert.Equal(t, int64(0), f.registry.ServiceTicketCount(ctx))
}

func TestCAS_ValidateServiceTicket(t *testing.T) {
	ctx := context.Background()

	t.Run("服务不匹配时票据作废", func(t *testing.T) {
		f := newCASFixture(t, defaultServices())
		tgt := f.createTGT(t, "alice")
		st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
		require.NoError(t, err)

		_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), model.NewService(otherService))
		assert.ErrorIs(t, err, ErrServiceMismatch)
		_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), model.NewService(appService))
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
	})

	t.Run("过期票据", func(t *testing.T) {
		f := newCASFixture(t, defaultServices())
		tgt := f.createTGT(t, "alice")
		st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
		require.NoError(t, err)

		f.clock.Advance(11 * time.Second)
		_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), model.NewService(appService))
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
		_, err = f.registry.GetTicket(ctx, st.ID())
		assert.ErrorIs(t, err, model.ErrTicketNotFound)
	})

	t.Run("会话过期后票据无效", func(t *testing.T) {
		f := newCASFixture(t, defaultServices())
		tgt := f.createTGT(t, "alice")
		st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
		require.NoError(t, err)

		tgt.MarkExpired()
		_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), model.NewService(appService))
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
	})

	t.Run("未知票据", func(t *testing.T) {
		f := newCASFixture(t, defaultServices())
		_, err := f.cas.ValidateServiceTicket(ctx, "ST-1-NOPE-cas", model.NewService(appService))
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
	})

	t.Run("以 TGT 作为服务票据", func(t *testing.T) {
		f := newCASFixture(t, defaultServices())
		tgt := f.createTGT(t, "alice")
		_, err := f.cas.ValidateServiceTicket(ctx, tgt.ID(), model.NewService(appService))
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
		assert.ErrorIs(t, err, model.ErrTicketTypeMismatch)
	})
}

func TestCAS_ProxyFlow(t *testing.T) {
	var (
		mu    sync.Mutex
		pgtID string
		iou   string
	)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if id := r.URL.Query().Get("pgtId"); id != "" {
			pgtID = id
			iou = r.URL.Query().Get("pgtIou")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	f := newCASFixture(t, []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.ProxyPolicy = `^http://127\.0\.0\.1.*`
		}),
		registered("backend", `^https://backend\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.ReleasePolicy = model.ReleaseReturnAllowed
			rs.AllowedAttributes = model.StringSlice{"uid"}
		}),
	}, withProxy(callback.Client()))
	ctx := context.Background()
	app := model.NewService(appService)

	tgt := f.createTGT(t, "alice")
	st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), app, nil)
	require.NoError(t, err)

	credential := &model.HTTPBasedServiceCredential{CallbackURL: callback.URL + "/proxy", ServiceID: appService}
	gotIOU, err := f.cas.DelegateTicketGrantingTicket(ctx, st.ID(), credential)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, iou, gotIOU)
	assert.Regexp(t, `^PGTIOU-`, gotIOU)
	assert.Regexp(t, `^PGT-`, pgtID)
	mu.Unlock()

	// 每张 ST 只能签发一次 PGT
	_, err = f.cas.DelegateTicketGrantingTicket(ctx, st.ID(), credential)
	assert.ErrorIs(t, err, model.ErrInvalidProxyGrantingTicket)

	_, err = f.cas.ValidateServiceTicket(ctx, st.ID(), app)
	require.NoError(t, err)

	backend := model.NewService(backendService)
	pt, err := f.cas.GrantProxyTicket(ctx, pgtID, backend)
	require.NoError(t, err)
	assert.Regexp(t, `^PT-`, pt.ID())

	assertion, err := f.cas.ValidateServiceTicket(ctx, pt.ID(), backend)
	require.NoError(t, err)
	assert.Equal(t, "alice", assertion.Principal().ID)
	require.Len(t, assertion.ChainedAuthentications, 2)
	assert.Equal(t, callback.URL+"/proxy", assertion.ChainedAuthentications[0].Principal.ID)
	require.Len(t, assertion.ProxyChain, 1)
	assert.Equal(t, appService, assertion.ProxyChain[0].ID)
	assert.Equal(t, map[string][]string{"uid": {"alice"}}, assertion.ReleasedAttributes)

	// 注销会话同时通知代理票据访问过的服务，并级联删除 PGT 与 PT
	requests, err := f.cas.DestroyTicketGrantingTicket(ctx, tgt.ID())
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, st.ID(), requests[0].TicketID)
	assert.Equal(t, pt.ID(), requests[1].TicketID)
	assert.Equal(t, backendService, requests[1].Service.ID)
	assert.Equal(t, LogoutSuccess, requests[1].Status)
	assert.Equal(t, []string{appService, backendService}, f.sender.sent())
	_, err = f.registry.GetTicket(ctx, pgtID)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}

func TestCAS_ProxyNotAllowed(t *testing.T) {
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	f := newCASFixture(t, defaultServices(), withProxy(callback.Client()))
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")
	st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	require.NoError(t, err)

	_, err = f.cas.DelegateTicketGrantingTicket(ctx, st.ID(),
		&model.HTTPBasedServiceCredential{CallbackURL: callback.URL, ServiceID: appService})
	assert.ErrorIs(t, err, ErrUnauthorizedProxying)
	assert.Equal(t, int64(1), f.registry.SessionCount(ctx))
}

func TestCAS_ProxyCallbackFailure(t *testing.T) {
	var calls int
	var mu sync.Mutex
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// 认证请求成功，交付 PGT 的回调失败
		if r.URL.Query().Get("pgtId") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	f := newCASFixture(t, []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.ProxyPolicy = `.*`
		}),
	}, withProxy(callback.Client()))
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")
	st, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	require.NoError(t, err)

	_, err = f.cas.DelegateTicketGrantingTicket(ctx, st.ID(),
		&model.HTTPBasedServiceCredential{CallbackURL: callback.URL, ServiceID: appService})
	assert.ErrorIs(t, err, ErrUnauthorizedProxying)
	assert.Equal(t, int64(1), f.registry.SessionCount(ctx), "交付失败的 PGT 应被删除")
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestCAS_MultifactorContext(t *testing.T) {
	mfaService := func(mode string) []*model.RegisteredService {
		return []*model.RegisteredService{
			registered("app", `^https://app\.example\.org.*`, func(rs *model.RegisteredService) {
				rs.MFAProviders = model.StringSlice{"mfa-duo"}
				rs.MFAFailureMode = mode
			}),
		}
	}
	ctx := context.Background()
	svc := model.NewService(appService)

	t.Run("提供者可用但未完成多因素认证", func(t *testing.T) {
		f := newCASFixture(t, mfaService(""), withMFA(FailureModeClosed, &StaticMFAProvider{ProviderID: "mfa-duo", Available: true}))
		tgt := f.createTGT(t, "alice")
		_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, nil)
		assert.ErrorIs(t, err, model.ErrUnsatisfiedAuthenticationPolicy)
	})

	t.Run("提供者不可用且服务配置 open", func(t *testing.T) {
		f := newCASFixture(t, mfaService("open"), withMFA(FailureModeClosed, &StaticMFAProvider{ProviderID: "mfa-duo"}))
		tgt := f.createTGT(t, "alice")
		_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, nil)
		assert.NoError(t, err)
	})

	t.Run("新认证已满足上下文", func(t *testing.T) {
		f := newCASFixture(t, mfaService(""), withMFA(FailureModeClosed, &StaticMFAProvider{ProviderID: "mfa-duo", Available: true}))
		tgt := f.createTGT(t, "alice")
		result := f.login(t, "alice", &svc)
		auth := model.NewAuthenticationBuilderFrom(result.Authentication).
			AddAttribute(model.AttributeAuthnContextClass, "mfa-duo").
			Build()
		result.Authentication = auth
		_, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), svc, result)
		assert.NoError(t, err)
	})
}

func TestCAS_DestroyPerformsLogout(t *testing.T) {
	f := newCASFixture(t, []*model.RegisteredService{
		registered("app", `^https://app\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.LogoutURL = "https://app.example.org/logout"
		}),
		registered("other", `^https://other\.example\.org.*`, func(rs *model.RegisteredService) {
			rs.LogoutType = model.LogoutTypeNone
		}),
	})
	ctx := context.Background()
	tgt := f.createTGT(t, "alice")

	st1, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(appService), nil)
	require.NoError(t, err)
	st2, err := f.cas.GrantServiceTicket(ctx, tgt.ID(), model.NewService(otherService), nil)
	require.NoError(t, err)

	requests, err := f.cas.DestroyTicketGrantingTicket(ctx, tgt.ID())
	require.NoError(t, err)
	require.Len(t, requests, 2)
	statuses := map[string]LogoutRequestStatus{}
	for _, r := range requests {
		statuses[r.TicketID] = r.Status
	}
	assert.Equal(t, LogoutSuccess, statuses[st1.ID()])
	assert.Equal(t, LogoutNotAttempted, statuses[st2.ID()])
	assert.Equal(t, []string{"https://app.example.org/logout"}, f.sender.sent())

	for _, id := range []string{tgt.ID(), st1.ID(), st2.ID()} {
		_, err := f.registry.GetTicket(ctx, id)
		assert.ErrorIs(t, err, model.ErrTicketNotFound, id)
	}
}

func TestIsRequestAskingForServiceTicket(t *testing.T) {
	svc := model.NewService(appService)
	assert.True(t, IsRequestAskingForServiceTicket("TGT-1", &svc, false))
	assert.False(t, IsRequestAskingForServiceTicket("TGT-1", &svc, true))
	assert.False(t, IsRequestAskingForServiceTicket("", &svc, false))
	assert.False(t, IsRequestAskingForServiceTicket("TGT-1", nil, false))
}
