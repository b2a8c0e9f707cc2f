package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
)

// ContextKeyTGT 上下文中当前会话 TGT 的键
const ContextKeyTGT = "tgt"

// TicketGrantingTicketLoader 按 ID 加载未过期的 TGT
type TicketGrantingTicketLoader interface {
	GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TGT, error)
}

// TicketGrantingCookie 读取 TGC 并加载 TGT（不强制要求登录）
func TicketGrantingCookie(loader TicketGrantingTicketLoader, cookie config.CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		loadTicketGrantingTicket(c, loader, cookie)
		c.Next()
	}
}

// RequireTicketGrantingCookie 要求请求携带有效的 TGC
func RequireTicketGrantingCookie(loader TicketGrantingTicketLoader, cookie config.CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentTicketGrantingTicket(c); !ok && !loadTicketGrantingTicket(c, loader, cookie) {
			response.Error(c, response.CodeLoginRequired)
			c.Abort()
			return
		}
		c.Next()
	}
}

// loadTicketGrantingTicket TGT 无效或已过期时清除 Cookie
func loadTicketGrantingTicket(c *gin.Context, loader TicketGrantingTicketLoader, cookie config.CookieConfig) bool {
	value, err := c.Cookie(cookie.Name)
	if err != nil || value == "" {
		return false
	}
	tgt, err := loader.GetTicketGrantingTicket(c.Request.Context(), value)
	if err != nil {
		ClearTicketGrantingCookie(c, cookie)
		return false
	}
	c.Set(ContextKeyTGT, tgt)
	return true
}

// CurrentTicketGrantingTicket 获取中间件加载的 TGT
func CurrentTicketGrantingTicket(c *gin.Context) (*model.TGT, bool) {
	v, exists := c.Get(ContextKeyTGT)
	if !exists {
		return nil, false
	}
	tgt, ok := v.(*model.TGT)
	return tgt, ok && tgt != nil
}

// SetTicketGrantingCookie 登录成功后写入 TGC
func SetTicketGrantingCookie(c *gin.Context, cookie config.CookieConfig, tgtID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookie.Name, tgtID, int(cookie.MaxAge.Seconds()), cookie.Path, cookie.Domain, cookie.Secure, true)
}

// ClearTicketGrantingCookie 清除 TGC
func ClearTicketGrantingCookie(c *gin.Context, cookie config.CookieConfig) {
	c.SetCookie(cookie.Name, "", -1, cookie.Path, cookie.Domain, cookie.Secure, true)
}
