// Package router 组装 gin 引擎、中间件与路由
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/interfaces/http/handler"
	"ai-billing-api/internal/interfaces/http/middleware"
)

// rateLimitPrefix 计费接口共用一个桶
const rateLimitPrefix = "ratelimit:billing"

// RouterHandlers 路由依赖的处理器集合
type RouterHandlers struct {
	Health       *handler.HealthHandler
	Billing      *handler.BillingHandler
	Conversation *handler.ConversationHandler
	Admin        *handler.AdminHandler
}

// Router HTTP 路由器
type Router struct {
	engine  *gin.Engine
	cfg     *config.Config
	auth    middleware.AuthConfig
	limiter middleware.RateLimiter
}

// New 只挂全局中间件，不注册路由
func New(cfg *config.Config) *Router {
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := &Router{engine: gin.New(), cfg: cfg}
	r.engine.Use(r.globalMiddleware()...)
	return r
}

// NewWithDeps 创建完整路由器，limiter 为空时不限流
func NewWithDeps(cfg *config.Config, auth middleware.AuthConfig, limiter middleware.RateLimiter, handlers *RouterHandlers) *Router {
	r := New(cfg)
	r.auth = auth
	r.limiter = limiter
	r.setupRoutes(handlers)
	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// globalMiddleware Recovery 在最外层，RequestID 先于日志与追踪
func (r *Router) globalMiddleware() []gin.HandlerFunc {
	obs := r.cfg.Observability
	chain := []gin.HandlerFunc{
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: r.cfg.Security.CORS.AllowedOrigins,
			AllowedMethods: r.cfg.Security.CORS.AllowedMethods,
			AllowedHeaders: r.cfg.Security.CORS.AllowedHeaders,
		}),
	}
	if obs.Tracing.Enabled {
		chain = append(chain, middleware.Trace(r.cfg.App.Name), middleware.TraceContext())
	}
	if obs.Metrics.Enabled {
		chain = append(chain, middleware.Metrics(obs.Metrics.Path))
	}
	return chain
}

func (r *Router) setupRoutes(h *RouterHandlers) {
	r.engine.GET("/health", h.Health.Health)
	r.engine.GET("/ready", h.Health.Ready)
	r.engine.GET("/live", h.Health.Live)
	if r.cfg.Observability.Metrics.Enabled {
		r.engine.GET(r.cfg.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	rl := r.cfg.Security.RateLimit
	v1 := r.engine.Group("/v1",
		middleware.Auth(r.auth),
		middleware.RateLimit(middleware.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			KeyPrefix:         rateLimitPrefix,
		}, r.limiter),
	)
	RegisterV1Routes(v1, h.Billing, h.Conversation, h.Admin)
}
