package handler

import (
	"context"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
)

// HealthCheck 依赖项检查，例如数据库或 Redis
type HealthCheck func(ctx context.Context) error

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry repository.TicketRegistry
	checks   map[string]HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(registry repository.TicketRegistry, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{registry: registry, checks: checks}
}

// Health 依赖状态与会话统计
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	data := gin.H{
		"status": "ok",
		"time":   model.Now().Format(time.RFC3339),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := "ok"
		if err := h.checks[name](ctx); err != nil {
			status = "error"
			data["status"] = "degraded"
		}
		data[name] = status
	}

	// 存储不支持枚举时统计不可用，输出 null
	data["sessions"] = countOrNil(h.registry.SessionCount(ctx))
	data["service_tickets"] = countOrNil(h.registry.ServiceTicketCount(ctx))
	response.Success(c, data)
}

func countOrNil(n int64) any {
	if n == repository.UnsupportedCount {
		return nil
	}
	return n
}
