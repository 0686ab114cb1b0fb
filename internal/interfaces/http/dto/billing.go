package dto

import (
	"time"

	"ai-billing-api/internal/application/billing"
	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/application/quota"
	"ai-billing-api/internal/domain/entity"
)

// IdempotencyKeyHeader 作为 request_id 贯穿冻结与结算
const IdempotencyKeyHeader = "Idempotency-Key"

// EstimateRequest 费用预估查询参数
type EstimateRequest struct {
	InputTokens     int    `form:"input_tokens" binding:"min=0"`
	MaxOutputTokens int    `form:"max_output_tokens" binding:"min=0"`
	Model           string `form:"model"`
}

// EstimateResponse 费用预估响应
type EstimateResponse struct {
	Model           string `json:"model"`
	InputTokens     int    `json:"input_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	MaxCost         int64  `json:"max_cost"`
}

func ToEstimateResponse(e *billing.Estimate) *EstimateResponse {
	return &EstimateResponse{
		Model:           e.Model,
		InputTokens:     e.InputTokens,
		MaxOutputTokens: e.MaxOutputTokens,
		MaxCost:         e.MaxCost,
	}
}

// BalanceResponse 账户余额
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Frozen    int64  `json:"frozen"`
	Available int64  `json:"available"`
}

func ToBalanceResponse(b *ledger.Balance) *BalanceResponse {
	return &BalanceResponse{
		AccountID: b.AccountID,
		Balance:   b.Balance,
		Frozen:    b.Frozen,
		Available: b.Available,
	}
}

// LedgerEntryResponse 账户流水
type LedgerEntryResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Delta        int64  `json:"delta"`
	FrozenDelta  int64  `json:"frozen_delta"`
	BalanceAfter int64  `json:"balance_after"`
	FrozenAfter  int64  `json:"frozen_after"`
	RequestID    string `json:"request_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func ToLedgerEntryResponse(e *entity.LedgerEntry) *LedgerEntryResponse {
	return &LedgerEntryResponse{
		ID:           e.ID,
		Type:         string(e.Type),
		Delta:        e.Delta,
		FrozenDelta:  e.FrozenDelta,
		BalanceAfter: e.BalanceAfter,
		FrozenAfter:  e.FrozenAfter,
		RequestID:    e.RequestID,
		Reason:       e.Reason,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func ToLedgerEntryListResponse(entries []*entity.LedgerEntry) []*LedgerEntryResponse {
	out := make([]*LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToLedgerEntryResponse(e))
	}
	return out
}

// UsageResponse 账户日用量
type UsageResponse struct {
	AccountID string               `json:"account_id"`
	Day       string               `json:"day"`
	Requests  int64                `json:"requests"`
	Tokens    int64                `json:"tokens"`
	Cost      int64                `json:"cost"`
	Models    []ModelUsageResponse `json:"models"`
}

// ModelUsageResponse 单个模型的用量
type ModelUsageResponse struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Cost             int64  `json:"cost"`
}

func ToUsageResponse(u *quota.DailyUsage) *UsageResponse {
	models := make([]ModelUsageResponse, 0, len(u.Models))
	for _, m := range u.Models {
		models = append(models, ModelUsageResponse{
			Model:            m.Model,
			Requests:         m.Requests,
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			Cost:             m.Cost,
		})
	}
	return &UsageResponse{
		AccountID: u.AccountID,
		Day:       u.Day.Format(time.DateOnly),
		Requests:  u.Requests,
		Tokens:    u.Tokens,
		Cost:      u.Cost,
		Models:    models,
	}
}

// SpendRequest 计费生成请求
type SpendRequest struct {
	ConversationID  string   `json:"conversation_id"`
	Input           string   `json:"input" binding:"required"`
	Model           string   `json:"model,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty" binding:"min=0"`
	Temperature     *float32 `json:"temperature,omitempty"`
}

// ToSpendRequest 组装编排层请求，requestID 来自 Idempotency-Key
func (r *SpendRequest) ToSpendRequest(accountID, requestID string) billing.SpendRequest {
	out := billing.SpendRequest{
		AccountID:       accountID,
		RequestID:       requestID,
		ConversationID:  r.ConversationID,
		InputText:       r.Input,
		Model:           r.Model,
		MaxOutputTokens: r.MaxOutputTokens,
	}
	if r.Temperature != nil {
		out.Temperature = *r.Temperature
	}
	return out
}

// SpendChunk SSE content 事件
type SpendChunk struct {
	Chunk string `json:"chunk"`
	Index int    `json:"index"`
}

// SpendDone SSE done 事件，也是非流式场景下的响应体
type SpendDone struct {
	RequestID    string `json:"request_id"`
	Model        string `json:"model"`
	Outcome      string `json:"outcome"`
	Frozen       int64  `json:"frozen"`
	Charged      int64  `json:"charged"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Replayed     bool   `json:"replayed"`
}

func ToSpendDone(r *billing.SpendResult) *SpendDone {
	return &SpendDone{
		RequestID:    r.RequestID,
		Model:        r.Model,
		Outcome:      string(r.Outcome),
		Frozen:       r.Frozen,
		Charged:      r.Charged,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Replayed:     r.Replayed,
	}
}

// SpendError SSE error 事件
type SpendError struct {
	ErrorCode string     `json:"error_code"`
	Message   string     `json:"message"`
	Result    *SpendDone `json:"result,omitempty"`
}

// RechargeRequest 充值请求
type RechargeRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"max=255"`
}

// AdjustRequest 人工调账请求，Delta 可为负
type AdjustRequest struct {
	Delta  int64  `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required,max=255"`
}
