// Package handler HTTP 处理器
package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/middleware"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
)

// CASHandler CAS 协议处理器
type CASHandler struct {
	cas      service.CentralAuthenticationService
	support  *service.AuthenticationSystemSupport
	services service.ServicesManager
	tokens   service.AssertionTokenEncoder
	cookie   config.CookieConfig
	logger   *zap.Logger
}

// CASHandlerConfig 装配处理器所需组件，Tokens 可为空
type CASHandlerConfig struct {
	CAS      service.CentralAuthenticationService
	Support  *service.AuthenticationSystemSupport
	Services service.ServicesManager
	Tokens   service.AssertionTokenEncoder
	Cookie   config.CookieConfig
	Logger   *zap.Logger
}

// NewCASHandler 创建 CAS 协议处理器
func NewCASHandler(cfg CASHandlerConfig) *CASHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASHandler{
		cas:      cfg.CAS,
		support:  cfg.Support,
		services: cfg.Services,
		tokens:   cfg.Tokens,
		cookie:   cfg.Cookie,
		logger:   logger,
	}
}

// LoginRequest 登录请求，支持表单和 JSON
type LoginRequest struct {
	Username   string `form:"username" json:"username" binding:"required"`
	Password   string `form:"password" json:"password" binding:"required"`
	RememberMe bool   `form:"rememberMe" json:"remember_me"`
	Service    string `form:"service" json:"service"`
}

// Login 单点登录入口
// GET /cas/login
func (h *CASHandler) Login(c *gin.Context) {
	svc, rs, ok := h.resolveService(c, c.Query("service"))
	if !ok {
		return
	}
	renew := isTrue(c.Query("renew"))
	tgt, hasTGT := middleware.CurrentTicketGrantingTicket(c)

	tgtID := ""
	if hasTGT {
		tgtID = tgt.ID()
	}
	if service.IsRequestAskingForServiceTicket(tgtID, svc, renew) {
		h.redirectWithTicket(c, tgtID, *svc, rs, nil)
		return
	}

	// gateway 模式下不展示登录页，直接回到服务
	if svc != nil && !renew && isTrue(c.Query("gateway")) {
		c.Redirect(http.StatusFound, svc.OriginalURL)
		return
	}
	if hasTGT && svc == nil && !renew {
		response.Success(c, sessionView(tgt))
		return
	}
	response.Error(c, response.CodeLoginRequired)
}

// LoginSubmit 提交凭据
// POST /cas/login
func (h *CASHandler) LoginSubmit(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	serviceID := c.Query("service")
	if serviceID == "" {
		serviceID = req.Service
	}
	svc, rs, ok := h.resolveService(c, serviceID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	credential := &model.UsernamePasswordCredential{
		Username:   req.Username,
		Password:   req.Password,
		RememberMe: req.RememberMe,
	}
	result, err := h.support.HandleAndFinalizeSingleAuthenticationTransaction(ctx, svc, rs, credential)
	if err != nil {
		h.fail(c, err)
		return
	}

	// 同一主体重新认证时沿用现有会话，否则换发新的 TGT
	tgtID := ""
	if current, exists := middleware.CurrentTicketGrantingTicket(c); exists {
		if current.Authentication().Principal.ID == result.Authentication.Principal.ID {
			tgtID = current.ID()
		} else if _, err := h.cas.DestroyTicketGrantingTicket(ctx, current.ID()); err != nil {
			h.logger.Warn("注销旧会话失败", zap.String("tgt", current.ID()), zap.Error(err))
		}
	}
	if tgtID == "" {
		tgt, err := h.cas.CreateTicketGrantingTicket(ctx, result)
		if err != nil {
			h.fail(c, err)
			return
		}
		middleware.SetTicketGrantingCookie(c, h.cookie, tgt.ID())
		tgtID = tgt.ID()
	}

	if svc == nil {
		response.Success(c, gin.H{
			"principal":  result.Authentication.Principal.ID,
			"attributes": result.Authentication.Principal.Attributes,
		})
		return
	}
	h.redirectWithTicket(c, tgtID, *svc, rs, result)
}

// Logout 注销会话并通知各服务
// GET /cas/logout
func (h *CASHandler) Logout(c *gin.Context) {
	var requests []service.LogoutRequest
	if tgtID, err := c.Cookie(h.cookie.Name); err == nil && tgtID != "" {
		requests, err = h.cas.DestroyTicketGrantingTicket(c.Request.Context(), tgtID)
		if err != nil {
			h.logger.Warn("注销会话失败", zap.String("tgt", tgtID), zap.Error(err))
		}
	}
	middleware.ClearTicketGrantingCookie(c, h.cookie)

	// 只跳转到已注册的服务，避免开放重定向
	if target := c.Query("service"); target != "" {
		rs, err := h.services.FindServiceBy(c.Request.Context(), model.NewService(target))
		if err == nil && rs != nil && rs.IsServiceAccessAllowed() {
			c.Redirect(http.StatusFound, target)
			return
		}
	}

	notified := make([]gin.H, 0, len(requests))
	for _, r := range requests {
		notified = append(notified, gin.H{
			"service": r.Service.ID,
			"status":  r.Status,
		})
	}
	response.SuccessWithMsg(c, "已注销", gin.H{"logout_requests": notified})
}

// Session 当前会话信息
// GET /cas/session
func (h *CASHandler) Session(c *gin.Context) {
	tgt, _ := middleware.CurrentTicketGrantingTicket(c)
	response.Success(c, sessionView(tgt))
}

// redirectWithTicket 签发 ST 并带着 ticket 参数跳转回服务
func (h *CASHandler) redirectWithTicket(c *gin.Context, tgtID string, svc model.Service, rs *model.RegisteredService, result *service.AuthenticationResult) {
	ctx := c.Request.Context()
	st, err := h.cas.GrantServiceTicket(ctx, tgtID, svc, result)
	if err != nil {
		h.fail(c, err)
		return
	}
	ticket, err := h.ticketFor(ctx, st, svc, rs)
	if err != nil {
		h.fail(c, err)
		return
	}
	target, err := withQueryParam(svc.OriginalURL, "ticket", ticket)
	if err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "服务地址无效")
		return
	}
	c.Redirect(http.StatusFound, target)
}

// ticketFor 服务要求 JWT 时立即验证 ST 并以签名断言代替票据 ID
func (h *CASHandler) ticketFor(ctx context.Context, st model.ServiceTicket, svc model.Service, rs *model.RegisteredService) (string, error) {
	if rs == nil || !rs.JWTAsServiceTicket || h.tokens == nil {
		return st.ID(), nil
	}
	assertion, err := h.cas.ValidateServiceTicket(ctx, st.ID(), svc)
	if err != nil {
		return "", err
	}
	return h.tokens.Encode(assertion)
}

// resolveService 解析 service 参数，未提供时返回 nil
// 服务未注册或已停用时直接写出错误响应
func (h *CASHandler) resolveService(c *gin.Context, serviceID string) (*model.Service, *model.RegisteredService, bool) {
	if serviceID == "" {
		return nil, nil, true
	}
	svc := model.NewService(serviceID)
	rs, err := h.services.FindServiceBy(c.Request.Context(), svc)
	if err != nil {
		h.fail(c, err)
		return nil, nil, false
	}
	if rs == nil || !rs.IsServiceAccessAllowed() {
		response.Error(c, response.CodeUnauthorizedService)
		return nil, nil, false
	}
	return &svc, rs, true
}

// fail 把服务层错误映射为业务错误码
func (h *CASHandler) fail(c *gin.Context, err error) {
	code := errorCode(err)
	if code == response.CodeServerError {
		h.logger.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		h.logger.Info("请求被拒绝", zap.String("path", c.Request.URL.Path), zap.Int("code", code), zap.Error(err))
	}
	response.Error(c, code)
}

func errorCode(err error) int {
	var authErr *service.AuthenticationError
	switch {
	case errors.Is(err, service.ErrAccountLocked):
		return response.CodeAccountLocked
	case errors.Is(err, service.ErrAccountDisabled):
		return response.CodeAccountDisabled
	case errors.As(err, &authErr),
		errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrNoCredentials),
		errors.Is(err, service.ErrUnsupportedCredential),
		errors.Is(err, service.ErrNoHandlers):
		return response.CodeInvalidCredentials
	case errors.Is(err, model.ErrUnauthorizedSSO):
		return response.CodeUnauthorizedSSO
	case errors.Is(err, model.ErrUnsatisfiedAuthenticationPolicy):
		return response.CodeMFARequired
	case errors.Is(err, service.ErrUnauthorizedProxying):
		return response.CodeUnauthorizedProxy
	case service.IsAccessDenied(err):
		return response.CodeUnauthorizedService
	case model.IsTicketError(err):
		return response.CodeInvalidTicket
	default:
		return response.CodeServerError
	}
}

func sessionView(tgt *model.TGT) gin.H {
	auth := tgt.Authentication()
	return gin.H{
		"principal":           auth.Principal.ID,
		"attributes":          auth.Principal.Attributes,
		"authentication_date": auth.AuthenticationDate,
		"remember_me":         auth.IsRememberMe(),
		"services":            len(tgt.Services()),
	}
}

// withQueryParam 在保留原有查询参数的前提下追加参数
func withQueryParam(target, key, value string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
