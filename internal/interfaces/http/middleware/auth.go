// Package middleware 提供 HTTP 中间件
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/interfaces/http/dto"
	apperrors "ai-billing-api/pkg/errors"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/utils"
)

// gin.Context 中的账户键
const (
	ContextKeyAccountID = "account_id"
	ContextKeyRole      = "role"
)

// DefaultSkipPaths 探活与指标端点不做认证
var DefaultSkipPaths = []string{
	"/health",
	"/ready",
	"/live",
	"/metrics",
}

// AuthConfig 认证配置
type AuthConfig struct {
	Secret string
	Issuer string
	// SkipPaths 按前缀匹配
	SkipPaths []string
	Enabled   bool
}

// Auth 校验 Bearer AccessToken，并把账户 ID 与角色写入上下文
func Auth(cfg AuthConfig) gin.HandlerFunc {
	jwtManager := utils.NewJWTManager(cfg.Secret, cfg.Issuer)

	return func(c *gin.Context) {
		if !cfg.Enabled || skipAuth(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			dto.AbortWithAppError(c, apperrors.ErrTokenMissing)
			return
		}

		claims, err := jwtManager.ParseToken(token)
		switch {
		case errors.Is(err, utils.ErrExpiredToken):
			dto.AbortWithAppError(c, apperrors.ErrTokenExpired)
			return
		case err != nil:
			dto.AbortWithAppError(c, apperrors.ErrTokenInvalid)
			return
		case claims.Type != utils.TokenTypeAccess || claims.AccountID == "":
			dto.AbortWithAppError(c, apperrors.ErrTokenInvalid.WithDetail("access token required"))
			return
		}

		c.Set(ContextKeyAccountID, claims.AccountID)
		c.Set(ContextKeyRole, claims.Role)
		c.Request = c.Request.WithContext(
			logger.WithContext(c.Request.Context(), logger.AccountIDKey, claims.AccountID),
		)
		c.Next()
	}
}

func skipAuth(paths []string, path string) bool {
	for _, p := range paths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// bearerToken 解析 "Bearer <token>"，前缀不区分大小写
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
