// Package middleware 提供 HTTP 中间件
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-billing-api/pkg/logger"
)

// Trace otelgin 追踪，探活与指标请求不产生 span
func Trace(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			return !skipAuth(DefaultSkipPaths, r.URL.Path)
		}),
	)
}

// TraceContext 把 trace_id 写入 gin 与日志上下文，并给 span 标注计费请求属性
func TraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		sc := span.SpanContext()
		if !sc.IsValid() {
			c.Next()
			return
		}

		traceID := sc.TraceID().String()
		c.Set("trace_id", traceID)
		c.Header("X-Trace-ID", traceID)
		ctx := logger.WithContext(c.Request.Context(), logger.TraceIDKey, traceID)
		ctx = logger.WithContext(ctx, logger.SpanIDKey, sc.SpanID().String())
		c.Request = c.Request.WithContext(ctx)

		if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
			span.SetAttributes(attribute.String("billing.idempotency_key", key))
		}

		c.Next()

		// Auth 在本中间件之后执行，账户只能在返回时补记
		if acct := c.GetString(ContextKeyAccountID); acct != "" {
			span.SetAttributes(attribute.String("billing.account_id", acct))
		}
	}
}
