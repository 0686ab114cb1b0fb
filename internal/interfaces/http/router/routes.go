// Package router 提供 HTTP 路由配置
package router

import (
	"ai-billing-api/internal/interfaces/http/handler"
	"ai-billing-api/internal/interfaces/http/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(
	v1 *gin.RouterGroup,
	billingHandler *handler.BillingHandler,
	conversationHandler *handler.ConversationHandler,
	adminHandler *handler.AdminHandler,
) {
	// 计费
	billing := v1.Group("/billing")
	{
		billing.GET("/estimate", middleware.RequirePermission(middleware.PermBillingRead), billingHandler.Estimate)
		billing.GET("/balance", middleware.RequirePermission(middleware.PermBillingRead), billingHandler.GetBalance)
		billing.GET("/transactions", middleware.RequirePermission(middleware.PermBillingRead), billingHandler.ListTransactions)
		billing.GET("/usage", middleware.RequirePermission(middleware.PermBillingRead), billingHandler.GetUsage)
		billing.POST("/spend", middleware.RequirePermission(middleware.PermBillingSpend), billingHandler.Spend) // SSE
	}

	// 对话历史
	conversations := v1.Group("/conversations")
	{
		conversations.GET("/:id/turns", middleware.RequirePermission(middleware.PermBillingRead), conversationHandler.ListTurns)
	}

	// 管理端
	admin := v1.Group("/admin", middleware.RequireAdmin(), middleware.Audit())
	{
		admin.GET("/accounts/:id/balance", adminHandler.GetBalance)
		admin.POST("/accounts/:id/recharge", adminHandler.Recharge)
		admin.POST("/accounts/:id/adjust", adminHandler.Adjust)
	}
}
