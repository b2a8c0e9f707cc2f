package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	appService     = "https://app.example.org/home"
	jwtService     = "https://jwt.example.org/"
	noSSOService   = "https://nosso.example.org/"
	backendService = "https://backend.example.org/api"
	testIssuer     = "https://cas.example.org/cas"
)

var testCookie = config.CookieConfig{Name: "TGC", Path: "/cas"}

// directoryHandler 固定用户表，主体携带 mail 属性
type directoryHandler struct {
	passwords map[string]string
}

func (h *directoryHandler) Name() string { return "directory" }

func (h *directoryHandler) Supports(c model.Credential) bool {
	_, ok := c.(*model.UsernamePasswordCredential)
	return ok
}

func (h *directoryHandler) Authenticate(_ context.Context, c model.Credential) (*model.HandlerResult, error) {
	up, ok := c.(*model.UsernamePasswordCredential)
	if !ok {
		return nil, service.ErrUnsupportedCredential
	}
	if want, exists := h.passwords[up.Username]; !exists || want != up.Password {
		return nil, service.ErrInvalidCredentials
	}
	return &model.HandlerResult{
		HandlerName: h.Name(),
		Credential:  model.NewCredentialMetaData(c),
		Principal:   model.NewPrincipal(up.Username, map[string][]string{"mail": {up.Username + "@example.org"}}),
	}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	urls []string
}

func (s *recordingSender) Send(_ context.Context, logoutURL, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, logoutURL)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

// pgtReceiver 代理回调地址，记录收到的 PGT
type pgtReceiver struct {
	server *httptest.Server
	mu     sync.Mutex
	pgts   map[string]string
}

func newPGTReceiver(t *testing.T) *pgtReceiver {
	r := &pgtReceiver{pgts: make(map[string]string)}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if iou := req.URL.Query().Get("pgtIou"); iou != "" {
			r.mu.Lock()
			r.pgts[iou] = req.URL.Query().Get("pgtId")
			r.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *pgtReceiver) pgt(iou string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pgts[iou]
}

type testServer struct {
	router   *gin.Engine
	registry repository.TicketRegistry
	tokens   service.AssertionTokenEncoder
	sender   *recordingSender
	receiver *pgtReceiver
	clock    *model.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	t.Cleanup(model.SetClock(clock.Now))

	receiver := newPGTReceiver(t)

	app := model.NewRegisteredService("app", `^https://app\.example\.org/.*`)
	app.ReleasePolicy = model.ReleaseReturnAll
	app.ProxyPolicy = `^` + strings.ReplaceAll(receiver.server.URL, ".", `\.`) + `/.*`
	jwtApp := model.NewRegisteredService("jwt", `^https://jwt\.example\.org/.*`)
	jwtApp.JWTAsServiceTicket = true
	noSSO := model.NewRegisteredService("nosso", `^https://nosso\.example\.org/.*`)
	noSSO.SSOEnabled = false
	backend := model.NewRegisteredService("backend", `^https://backend\.example\.org/.*`)
	backend.ReleasePolicy = model.ReleaseReturnAll
	services := service.NewServicesManager(repository.NewMemoryRegisteredServiceRepository(app, jwtApp, noSSO, backend), nil)

	ids := service.NewTicketIDGenerator("cas.example.org", service.DefaultRandomLength)
	st, err := model.NewMultiTimeUseOrTimeoutExpirationPolicy(1, 10*time.Second)
	require.NoError(t, err)
	factory := service.NewTicketFactory(ids, service.TicketPolicies{
		TicketGrantingTicket: &model.TicketGrantingTicketExpirationPolicy{MaxTimeToLive: 8 * time.Hour, TimeToKill: 2 * time.Hour},
		ServiceTicket:        st,
		ProxyTicket:          st,
	}, true)
	registry := repository.NewTicketRegistry(repository.NewMemoryTicketStore(16), nil, nil)

	manager := service.NewAuthenticationManager(service.AuthenticationManagerConfig{
		Handlers: []service.AuthenticationHandler{&directoryHandler{passwords: map[string]string{"alice": "Secret123", "bob": "Secret456"}}},
	})
	proxyManager := service.NewAuthenticationManager(service.AuthenticationManagerConfig{
		Handlers: []service.AuthenticationHandler{service.NewHTTPBasedServiceCredentialsAuthenticationHandler(receiver.server.Client(), false)},
	})

	sender := &recordingSender{}
	cas := service.NewCentralAuthenticationService(service.CASConfig{
		Registry:      registry,
		Factory:       factory,
		Services:      services,
		Logout:        service.NewDefaultLogoutManager(services, sender, ids, nil).WithTicketRegistry(registry),
		ProxySupport:  service.NewAuthenticationSystemSupport(proxyManager, nil),
		ProxyCallback: service.NewHTTPProxyCallbackHandler(receiver.server.Client(), factory, nil),
	})

	tokens, err := service.NewAssertionTokenEncoder(service.AssertionTokenConfig{Secret: []byte("test-secret"), Issuer: testIssuer})
	require.NoError(t, err)

	h := NewCASHandler(CASHandlerConfig{
		CAS:      cas,
		Support:  service.NewAuthenticationSystemSupport(manager, nil),
		Services: services,
		Tokens:   tokens,
		Cookie:   testCookie,
	})
	router := gin.New()
	RegisterRoutes(router, h, NewHealthHandler(registry, nil))

	return &testServer{
		router:   router,
		registry: registry,
		tokens:   tokens,
		sender:   sender,
		receiver: receiver,
		clock:    clock,
	}
}

func (s *testServer) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, target, nil), cookies...)
}

func (s *testServer) postForm(target string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req, cookies...)
}

// login 提交凭据，返回响应和 TGC
func (s *testServer) login(t *testing.T, username, password, svc string) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	if svc != "" {
		form.Set("service", svc)
	}
	w := s.postForm("/cas/login", form)
	return w, tgcCookie(w)
}

func tgcCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookie.Name {
			return c
		}
	}
	return nil
}

// ticketFromRedirect 从跳转地址中取出 ticket 参数
func ticketFromRedirect(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query().Get("ticket")
}

func validateURL(path, ticket, svc string, extra ...string) string {
	q := url.Values{"ticket": {ticket}, "service": {svc}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return path + "?" + q.Encode()
}
