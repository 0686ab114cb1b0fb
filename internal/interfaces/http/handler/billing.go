package handler

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/application/billing"
	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/application/quota"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/interfaces/http/dto"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/utils"
)

const maxIdempotencyKeyLen = 128

// BillingHandler 计费处理器
type BillingHandler struct {
	orchestrator *billing.Orchestrator
	ledger       *ledger.Ledger
	usage        *quota.UsageReporter
}

// NewBillingHandler 创建计费处理器
func NewBillingHandler(orchestrator *billing.Orchestrator, led *ledger.Ledger, usage *quota.UsageReporter) *BillingHandler {
	return &BillingHandler{
		orchestrator: orchestrator,
		ledger:       led,
		usage:        usage,
	}
}

// Estimate 预估最大费用
// @Summary 预估费用
// @Description 按模型费率和安全系数计算冻结金额上限
// @Tags Billing
// @Produce json
// @Param input_tokens query int false "输入 token 数"
// @Param max_output_tokens query int false "最大输出 token 数"
// @Param model query string false "模型名"
// @Success 200 {object} dto.Response[dto.EstimateResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse "模型未定价"
// @Router /v1/billing/estimate [get]
func (h *BillingHandler) Estimate(c *gin.Context) {
	var req dto.EstimateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		dto.BadRequest(c, "invalid query: "+err.Error())
		return
	}

	est, err := h.orchestrator.Estimate(req.InputTokens, req.MaxOutputTokens, req.Model)
	if err != nil {
		writeError(c, err, "failed to estimate cost")
		return
	}
	dto.Success(c, dto.ToEstimateResponse(est))
}

// GetBalance 查询当前账户余额
// @Summary 查询余额
// @Tags Billing
// @Produce json
// @Success 200 {object} dto.Response[dto.BalanceResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/billing/balance [get]
func (h *BillingHandler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err, "failed to get balance")
		return
	}
	dto.Success(c, dto.ToBalanceResponse(bal))
}

// ListTransactions 分页查询账户流水
// @Summary 查询流水
// @Tags Billing
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Param type query string false "流水类型，逗号分隔"
// @Param request_id query string false "请求 ID"
// @Success 200 {object} dto.Response[[]dto.LedgerEntryResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/billing/transactions [get]
func (h *BillingHandler) ListTransactions(c *gin.Context) {
	page, err := dto.BindPage(c)
	if err != nil {
		dto.BadRequest(c, "invalid pagination: "+err.Error())
		return
	}

	filter := repository.LedgerEntryFilter{RequestID: strings.TrimSpace(c.Query("request_id"))}
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, ok := entity.ParseLedgerEntryType(strings.TrimSpace(part))
			if !ok {
				dto.BadRequest(c, "invalid entry type: "+part)
				return
			}
			filter.Types = append(filter.Types, t)
		}
	}

	result, err := h.ledger.GetTransactions(c.Request.Context(), accountID(c), filter, page)
	if err != nil {
		writeError(c, err, "failed to list transactions")
		return
	}
	dto.SuccessWithPage(c, dto.ToLedgerEntryListResponse(result.Items), dto.PageMetaOf(result))
}

// GetUsage 查询某日 token 用量
// @Summary 查询日用量
// @Tags Billing
// @Produce json
// @Param day query string false "UTC 日期 YYYY-MM-DD，默认当天"
// @Success 200 {object} dto.Response[dto.UsageResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/billing/usage [get]
func (h *BillingHandler) GetUsage(c *gin.Context) {
	var day time.Time
	if raw := c.Query("day"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			dto.BadRequest(c, "invalid day, expected YYYY-MM-DD")
			return
		}
		day = d
	}

	usage, err := h.usage.DailyTokens(c.Request.Context(), accountID(c), day)
	if err != nil {
		writeError(c, err, "failed to get usage")
		return
	}
	dto.Success(c, dto.ToUsageResponse(usage))
}

// Spend 计费生成，以 SSE 推送增量
// 进入流式之前的失败返回普通 JSON 错误，之后的失败以 error 事件结束
// @Summary 计费生成
// @Description 冻结 -> 流式生成 -> 结算；Idempotency-Key 相同的重放返回首次结果
// @Tags Billing
// @Accept json
// @Produce text/event-stream
// @Param Idempotency-Key header string false "幂等键"
// @Param body body dto.SpendRequest true "生成请求"
// @Success 200 "SSE stream: content / done / error"
// @Failure 400 {object} dto.ErrorResponse
// @Failure 402 {object} dto.ErrorResponse "余额不足"
// @Failure 422 {object} dto.ErrorResponse "内容审核不通过"
// @Router /v1/billing/spend [post]
func (h *BillingHandler) Spend(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	requestID := strings.TrimSpace(c.GetHeader(dto.IdempotencyKeyHeader))
	if len(requestID) > maxIdempotencyKeyLen {
		dto.BadRequest(c, "idempotency key too long")
		return
	}
	if requestID == "" {
		requestID = utils.NewRequestID()
	}

	streaming := false
	index := 0
	sink := billing.SinkFunc(func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !streaming {
			startSSE(c, requestID)
			streaming = true
		}
		c.SSEvent("content", dto.SpendChunk{Chunk: delta, Index: index})
		c.Writer.Flush()
		index++
		return ctx.Err()
	})

	res, err := h.orchestrator.Spend(ctx, req.ToSpendRequest(accountID(c), requestID), sink)
	if stderrors.Is(err, billing.ErrRequestCancelled) {
		logger.Info(ctx, "caller disconnected during spend", "request_id", requestID)
		return
	}

	if !streaming {
		if err != nil {
			writeError(c, err, "spend failed")
			return
		}
		startSSE(c, requestID)
	}

	if err != nil {
		appErr := toAppError(err)
		ev := dto.SpendError{ErrorCode: string(appErr.Code), Message: appErr.Message}
		if res != nil {
			ev.Result = dto.ToSpendDone(res)
		}
		c.SSEvent("error", ev)
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", dto.ToSpendDone(res))
	c.Writer.Flush()
}

func startSSE(c *gin.Context, requestID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header(dto.IdempotencyKeyHeader, requestID)
}
