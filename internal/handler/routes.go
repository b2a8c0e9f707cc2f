package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/middleware"
)

// RegisterRoutes 注册 CAS 协议路由
func RegisterRoutes(router gin.IRouter, h *CASHandler, health *HealthHandler) {
	if health != nil {
		router.GET("/health", health.Health)
	}

	cas := router.Group("/cas")
	{
		// 浏览器流程（读取 TGC）
		browser := cas.Group("")
		browser.Use(middleware.TicketGrantingCookie(h.cas, h.cookie))
		{
			browser.GET("/login", h.Login)
			browser.POST("/login", h.LoginSubmit)
			browser.GET("/logout", h.Logout)
		}
		cas.GET("/session", middleware.RequireTicketGrantingCookie(h.cas, h.cookie), h.Session)

		// 票据验证
		cas.GET("/serviceValidate", h.ServiceValidate)
		cas.GET("/proxyValidate", h.ProxyValidate)
		cas.GET("/p3/serviceValidate", h.P3ServiceValidate)
		cas.GET("/p3/proxyValidate", h.P3ProxyValidate)
		cas.GET("/proxy", h.Proxy)

		// REST 接口
		rest := cas.Group("/v1/tickets")
		{
			rest.POST("", h.CreateTicketGrantingTicket)
			rest.POST("/:tgt", h.GrantServiceTicket)
			rest.GET("/:tgt", h.GetTicketGrantingTicket)
			rest.DELETE("/:tgt", h.DestroyTicketGrantingTicket)
		}
	}
}
