// Package middleware 提供 HTTP 中间件
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/interfaces/http/dto"
	apperrors "ai-billing-api/pkg/errors"
	"ai-billing-api/pkg/logger"
)

// Recovery 捕获 panic 并返回 500
// SSE 已开始推送时响应头不可再改，只中止请求
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.Error(c.Request.Context(), "panic recovered", fmt.Errorf("%v", rec),
				"method", c.Request.Method,
				"route", c.FullPath(),
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			dto.AbortWithAppError(c, apperrors.ErrInternalError)
		}()
		c.Next()
	}
}
