// Package middleware 提供 HTTP 中间件
package middleware

import (
	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/interfaces/http/dto"
	apperrors "ai-billing-api/pkg/errors"
)

// Permission 权限类型
type Permission string

const (
	PermBillingRead  Permission = "billing:read"
	PermBillingSpend Permission = "billing:spend"
	PermAdminAccess  Permission = "admin:access"
)

var rolePermissions = map[entity.AccountRole]map[Permission]bool{
	entity.AccountRoleMember: {
		PermBillingRead:  true,
		PermBillingSpend: true,
	},
	entity.AccountRoleAdmin: {
		PermBillingRead:  true,
		PermBillingSpend: true,
		PermAdminAccess:  true,
	},
}

// HasPermission 未知角色没有任何权限
func HasPermission(role entity.AccountRole, perm Permission) bool {
	return rolePermissions[role][perm]
}

// RequirePermission 要求 Auth 注入的角色具备 perm，否则 403
func RequirePermission(perm Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := entity.AccountRole(c.GetString(ContextKeyRole))
		if !HasPermission(role, perm) {
			dto.AbortWithAppError(c, apperrors.ErrPermissionDenied.WithDetail(string(perm)))
			return
		}
		c.Next()
	}
}

// RequireAdmin 管理端路由组使用
func RequireAdmin() gin.HandlerFunc {
	return RequirePermission(PermAdminAccess)
}
