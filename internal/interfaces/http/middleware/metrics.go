// Package middleware 提供 HTTP 中间件
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ai-billing-api/pkg/metrics"
)

// unmatchedRoute 未命中路由统一归为一个标签，避免路径基数膨胀
const unmatchedRoute = "unmatched"

// Metrics 以路由模板为标签采集 HTTP 指标，skipPaths 中的路径不采集
func Metrics(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		inflight := metrics.HTTPInFlight.WithLabelValues(route)
		inflight.Inc()
		start := time.Now()

		defer func() {
			inflight.Dec()
			status := strconv.Itoa(c.Writer.Status())
			metrics.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			if size := c.Writer.Size(); size > 0 {
				metrics.HTTPResponseSize.WithLabelValues(method, route).Observe(float64(size))
			}
		}()

		c.Next()
	}
}
