package middleware

import (
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pu-ac-cn/uac-cas/internal/logger"
	"go.uber.org/zap"
)

// 日志中需要脱敏的查询参数，票据本身即是凭据
var sensitiveParams = []string{"ticket", "pgt", "pgtId", "password"}

// GetLogger 获取日志实例
func GetLogger() *zap.Logger {
	return logger.Get()
}

// Logger 日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 生成请求 ID
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		// 记录开始时间
		start := time.Now()
		path := c.Request.URL.Path
		query := maskQuery(c.Request.URL.RawQuery)

		// 处理请求
		c.Next()

		logger.Get().Info("HTTP 请求",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Int("body_size", c.Writer.Size()),
		)
	}
}

// maskQuery 隐藏查询串中的票据与口令
func maskQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	masked := false
	for _, key := range sensitiveParams {
		if values.Has(key) {
			values.Set(key, "***")
			masked = true
		}
	}
	if !masked {
		return raw
	}
	return values.Encode()
}
