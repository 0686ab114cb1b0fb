// Package middleware 提供 HTTP 中间件
package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/interfaces/http/dto"
	apperrors "ai-billing-api/pkg/errors"
	"ai-billing-api/pkg/logger"
)

// RateLimitConfig 按账户与路由的令牌桶参数
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond int
	// Burst 桶容量，不小于 RequestsPerSecond
	Burst     int
	KeyPrefix string
}

// RateLimiter 消耗一个令牌，拒绝时返回建议的等待时长
type RateLimiter interface {
	Allow(ctx context.Context, key string, rate, burst int) (bool, time.Duration, error)
}

// RateLimit 放在 Auth 之后，以账户为限流主体；限流器故障时放行
func RateLimit(cfg RateLimitConfig, limiter RateLimiter) gin.HandlerFunc {
	if !cfg.Enabled || limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst < cfg.RequestsPerSecond {
		cfg.Burst = cfg.RequestsPerSecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}

	return func(c *gin.Context) {
		subject := c.GetString(ContextKeyAccountID)
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := cfg.KeyPrefix + ":" + subject + ":" + route

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, cfg.RequestsPerSecond, cfg.Burst)
		if err != nil {
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "key", key, "error", err.Error())
			c.Next()
			return
		}
		if !allowed {
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			dto.AbortWithAppError(c, apperrors.ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
