package service

import (
	"context"
	"time"

	"ai-billing-api/internal/domain/entity"
)

// BillingEvent 对外发布的计费结果
type BillingEvent struct {
	RequestID    string              `json:"request_id"`
	AccountID    string              `json:"account_id"`
	Model        string              `json:"model"`
	Outcome      entity.SpendOutcome `json:"outcome"`
	Frozen       int64               `json:"frozen"`
	Charged      int64               `json:"charged"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	OccurredAt   time.Time           `json:"occurred_at"`
}

// BillingEventPublisher 计费事件发布，失败不影响结算
type BillingEventPublisher interface {
	Publish(ctx context.Context, event BillingEvent) error
}
