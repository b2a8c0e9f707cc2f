package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
)

// TicketRequest REST 接口凭据
type TicketRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
	Service  string `form:"service" json:"service"`
}

func (r *TicketRequest) credential() *model.UsernamePasswordCredential {
	if r.Username == "" && r.Password == "" {
		return nil
	}
	return &model.UsernamePasswordCredential{Username: r.Username, Password: r.Password}
}

// CreateTicketGrantingTicket 用凭据换取 TGT
// POST /cas/v1/tickets
func (h *CASHandler) CreateTicketGrantingTicket(c *gin.Context) {
	var req TicketRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	credential := req.credential()
	if credential == nil || credential.Username == "" || credential.Password == "" {
		response.ErrorWithMsg(c, response.CodeMissingParam, "请提供用户名和密码")
		return
	}
	svc, rs, ok := h.resolveService(c, req.Service)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	result, err := h.support.HandleAndFinalizeSingleAuthenticationTransaction(ctx, svc, rs, credential)
	if err != nil {
		h.fail(c, err)
		return
	}
	tgt, err := h.cas.CreateTicketGrantingTicket(ctx, result)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Location", strings.TrimSuffix(c.Request.URL.Path, "/")+"/"+tgt.ID())
	c.String(http.StatusCreated, tgt.ID())
}

// GrantServiceTicket 用 TGT 换取 ST，附带凭据时视为重新认证
// POST /cas/v1/tickets/:tgt
func (h *CASHandler) GrantServiceTicket(c *gin.Context) {
	var req TicketRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	if req.Service == "" {
		response.ErrorWithMsg(c, response.CodeMissingParam, "缺少 service 参数")
		return
	}
	svc, rs, ok := h.resolveService(c, req.Service)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var result *service.AuthenticationResult
	if credential := req.credential(); credential != nil {
		var err error
		result, err = h.support.HandleAndFinalizeSingleAuthenticationTransaction(ctx, svc, rs, credential)
		if err != nil {
			h.fail(c, err)
			return
		}
	}

	st, err := h.cas.GrantServiceTicket(ctx, c.Param("tgt"), *svc, result)
	if err != nil {
		h.fail(c, err)
		return
	}
	ticket, err := h.ticketFor(ctx, st, *svc, rs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, ticket)
}

// GetTicketGrantingTicket 检查 TGT 是否有效
// GET /cas/v1/tickets/:tgt
func (h *CASHandler) GetTicketGrantingTicket(c *gin.Context) {
	tgt, err := h.cas.GetTicketGrantingTicket(c.Request.Context(), c.Param("tgt"))
	if err != nil {
		response.Error(c, response.CodeTicketNotFound)
		return
	}
	c.String(http.StatusOK, tgt.ID())
}

// DestroyTicketGrantingTicket 注销 TGT
// DELETE /cas/v1/tickets/:tgt
func (h *CASHandler) DestroyTicketGrantingTicket(c *gin.Context) {
	tgtID := c.Param("tgt")
	requests, err := h.cas.DestroyTicketGrantingTicket(c.Request.Context(), tgtID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Debug("REST 注销会话", zap.String("tgt", tgtID), zap.Int("logout_requests", len(requests)))
	c.String(http.StatusOK, tgtID)
}
