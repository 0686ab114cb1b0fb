// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"ai-billing-api/internal/infrastructure/persistence/postgres"
	"ai-billing-api/internal/infrastructure/persistence/redis"
)

const probeTimeout = 2 * time.Second

// HealthChecker 依赖探活
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type dependency struct {
	name  string
	check HealthChecker
}

// HealthHandler 健康检查处理器
// 内存模式下 pg / redis 为空，对应检查项标记为 disabled
type HealthHandler struct {
	deps    []dependency
	version string
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(pg *postgres.Client, redisClient *redis.Client, queue HealthChecker) *HealthHandler {
	h := &HealthHandler{version: "dev"}
	// 显式判空，避免 typed nil 指针落入接口
	var pgc, rc HealthChecker
	if pg != nil {
		pgc = pg
	}
	if redisClient != nil {
		rc = redisClient
	}
	h.deps = []dependency{{"postgres", pgc}, {"redis", rc}, {"queue", queue}}
	return h
}

// WithVersion 设置 /health 返回的版本号
func (h *HealthHandler) WithVersion(v string) *HealthHandler {
	if v != "" {
		h.version = v
	}
	return h
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type probeResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type readinessResponse struct {
	Status string                  `json:"status"`
	Checks map[string]*probeResult `json:"checks"`
}

// Health 进程信息
// @Summary 健康检查
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// Live 存活检查，不访问任何依赖
// @Router /live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready 并发探测已配置的依赖，任一失败返回 503
// @Summary 就绪检查
// @Tags System
// @Produce json
// @Success 200 {object} readinessResponse
// @Failure 503 {object} readinessResponse
// @Router /ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := readinessResponse{Status: "ok", Checks: make(map[string]*probeResult, len(h.deps))}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(c.Request.Context())
	for _, dep := range h.deps {
		if dep.check == nil {
			mu.Lock()
			resp.Checks[dep.name] = &probeResult{Status: "disabled"}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res := probe(ctx, dep.check)
			mu.Lock()
			resp.Checks[dep.name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range resp.Checks {
		if res.Status == "error" {
			resp.Status = "not_ready"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func probe(ctx context.Context, dep HealthChecker) *probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := dep.HealthCheck(ctx)
	res := &probeResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
