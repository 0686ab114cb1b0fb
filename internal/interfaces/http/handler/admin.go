package handler

import (
	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/interfaces/http/dto"
)

// AdminHandler 管理端账户操作
type AdminHandler struct {
	ledger *ledger.Ledger
}

// NewAdminHandler 创建管理端处理器
func NewAdminHandler(led *ledger.Ledger) *AdminHandler {
	return &AdminHandler{ledger: led}
}

// Recharge 为账户充值，账户不存在时自动开户
// @Summary 账户充值
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "账户 ID"
// @Param body body dto.RechargeRequest true "充值请求"
// @Success 200 {object} dto.Response[dto.BalanceResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 403 {object} dto.ErrorResponse
// @Router /v1/admin/accounts/{id}/recharge [post]
func (h *AdminHandler) Recharge(c *gin.Context) {
	id, ok := dto.BindAccountID(c)
	if !ok {
		dto.BadRequest(c, "invalid account id")
		return
	}
	var req dto.RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	bal, err := h.ledger.Recharge(c.Request.Context(), id, req.Amount, req.Reason)
	if err != nil {
		writeError(c, err, "failed to recharge")
		return
	}
	dto.Success(c, dto.ToBalanceResponse(bal))
}

// Adjust 人工调账，不允许使可用余额为负
// @Summary 账户调账
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "账户 ID"
// @Param body body dto.AdjustRequest true "调账请求"
// @Success 200 {object} dto.Response[dto.BalanceResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 402 {object} dto.ErrorResponse "可用余额不足"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/admin/accounts/{id}/adjust [post]
func (h *AdminHandler) Adjust(c *gin.Context) {
	id, ok := dto.BindAccountID(c)
	if !ok {
		dto.BadRequest(c, "invalid account id")
		return
	}
	var req dto.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	bal, err := h.ledger.Adjust(c.Request.Context(), id, req.Delta, req.Reason)
	if err != nil {
		writeError(c, err, "failed to adjust balance")
		return
	}
	dto.Success(c, dto.ToBalanceResponse(bal))
}

// GetBalance 查询任意账户余额
// @Summary 查询账户余额
// @Tags Admin
// @Produce json
// @Param id path string true "账户 ID"
// @Success 200 {object} dto.Response[dto.BalanceResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/admin/accounts/{id}/balance [get]
func (h *AdminHandler) GetBalance(c *gin.Context) {
	id, ok := dto.BindAccountID(c)
	if !ok {
		dto.BadRequest(c, "invalid account id")
		return
	}
	bal, err := h.ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to get balance")
		return
	}
	dto.Success(c, dto.ToBalanceResponse(bal))
}
