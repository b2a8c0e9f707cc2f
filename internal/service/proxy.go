package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"go.uber.org/zap"
)

// ProxyCallbackHandlerName 代理回调认证处理器名称
const ProxyCallbackHandlerName = "HttpBasedServiceCredentialsAuthenticationHandler"

const defaultCallbackTimeout = 5 * time.Second

func newCallbackClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{
		Timeout: defaultCallbackTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPBasedServiceCredentialsAuthenticationHandler 访问代理回调地址，返回 200 即认证成功
type HTTPBasedServiceCredentialsAuthenticationHandler struct {
	client       *http.Client
	requireHTTPS bool
}

// NewHTTPBasedServiceCredentialsAuthenticationHandler client 为空时使用默认超时
func NewHTTPBasedServiceCredentialsAuthenticationHandler(client *http.Client, requireHTTPS bool) *HTTPBasedServiceCredentialsAuthenticationHandler {
	return &HTTPBasedServiceCredentialsAuthenticationHandler{client: newCallbackClient(client), requireHTTPS: requireHTTPS}
}

func (h *HTTPBasedServiceCredentialsAuthenticationHandler) Name() string { return ProxyCallbackHandlerName }

func (h *HTTPBasedServiceCredentialsAuthenticationHandler) Supports(c model.Credential) bool {
	_, ok := c.(*model.HTTPBasedServiceCredential)
	return ok
}

func (h *HTTPBasedServiceCredentialsAuthenticationHandler) Authenticate(ctx context.Context, c model.Credential) (*model.HandlerResult, error) {
	credential, ok := c.(*model.HTTPBasedServiceCredential)
	if !ok {
		return nil, ErrUnsupportedCredential
	}
	u, err := url.Parse(credential.CallbackURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: 回调地址无效", ErrInvalidCredentials)
	}
	if h.requireHTTPS && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: 回调地址必须使用 https", ErrInvalidCredentials)
	}
	status, err := get(ctx, h.client, u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: 回调地址返回 %d", ErrInvalidCredentials, status)
	}
	return &model.HandlerResult{
		HandlerName: h.Name(),
		Credential:  model.NewCredentialMetaData(credential),
		Principal:   model.NewPrincipal(credential.CallbackURL, nil),
	}, nil
}

// ProxyCallbackHandler 把 PGT 交付给代理回调地址
type ProxyCallbackHandler interface {
	// Handle 成功时返回 PGTIOU
	Handle(ctx context.Context, credential *model.HTTPBasedServiceCredential, pgtID string) (string, error)
}

// HTTPProxyCallbackHandler 以 pgtIou/pgtId 查询参数回调
type HTTPProxyCallbackHandler struct {
	client  *http.Client
	factory TicketFactory
	logger  *zap.Logger
}

// NewHTTPProxyCallbackHandler 创建代理回调处理器
func NewHTTPProxyCallbackHandler(client *http.Client, factory TicketFactory, logger *zap.Logger) *HTTPProxyCallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProxyCallbackHandler{client: newCallbackClient(client), factory: factory, logger: logger}
}

func (h *HTTPProxyCallbackHandler) Handle(ctx context.Context, credential *model.HTTPBasedServiceCredential, pgtID string) (string, error) {
	u, err := url.Parse(credential.CallbackURL)
	if err != nil {
		return "", fmt.Errorf("%w: 回调地址无效", ErrUnauthorizedProxying)
	}
	iou := h.factory.NewProxyGrantingTicketIOU()
	q := u.Query()
	q.Set("pgtIou", iou)
	q.Set("pgtId", pgtID)
	u.RawQuery = q.Encode()

	status, err := get(ctx, h.client, u.String())
	if err != nil || status != http.StatusOK {
		h.logger.Warn("交付 PGT 失败",
			zap.String("callback", credential.CallbackURL),
			zap.Int("status", status), zap.Error(err))
		return "", fmt.Errorf("%w: 回调失败", ErrUnauthorizedProxying)
	}
	return iou, nil
}

func get(ctx context.Context, client *http.Client, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
