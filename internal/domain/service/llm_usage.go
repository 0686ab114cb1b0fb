package service

import (
	"context"
	"time"

	"ai-billing-api/internal/domain/entity"
)

// UsageRecord 一次已结算生成请求的用量
type UsageRecord struct {
	AccountID        string
	RequestID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// Cost 实际扣款，最小货币单位
	Cost     int64
	Outcome  entity.SpendOutcome
	Duration time.Duration
}

// LLMUsageRecorder 用量流水不参与资金结算，写入失败只记日志
type LLMUsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}
