// Package middleware 提供 HTTP 中间件
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ai-billing-api/pkg/logger"
)

// Audit 记录管理端对账户的操作，只读请求用 DEBUG 级别
func Audit() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"operator", c.GetString(ContextKeyAccountID),
			"operator_role", c.GetString(ContextKeyRole),
			"target_account", c.Param("id"),
			"action", c.Request.Method + " " + c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		if c.Request.Method == http.MethodGet {
			logger.Debug(ctx, "admin audit", args...)
			return
		}
		logger.Info(ctx, "admin audit", args...)
	}
}
