package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/domain/service"
)

// LLMUsageRecorder 把结算结果写入用量流水，同一 request_id 由仓储去重
type LLMUsageRecorder struct {
	repo repository.LLMUsageEventRepository
}

func NewLLMUsageRecorder(repo repository.LLMUsageEventRepository) *LLMUsageRecorder {
	return &LLMUsageRecorder{repo: repo}
}

// Record 缺少账户或请求号的记录无法归属，直接忽略
func (r *LLMUsageRecorder) Record(ctx context.Context, rec service.UsageRecord) error {
	if r == nil || r.repo == nil {
		return nil
	}
	accountID, requestID := strings.TrimSpace(rec.AccountID), strings.TrimSpace(rec.RequestID)
	if accountID == "" || requestID == "" {
		return nil
	}
	if rec.PromptTokens < 0 || rec.CompletionTokens < 0 || rec.Cost < 0 {
		return fmt.Errorf("usage %s: negative amount (prompt=%d completion=%d cost=%d)",
			requestID, rec.PromptTokens, rec.CompletionTokens, rec.Cost)
	}

	return r.repo.Create(ctx, &entity.LLMUsageEvent{
		AccountID:        accountID,
		RequestID:        requestID,
		Provider:         strings.TrimSpace(rec.Provider),
		Model:            strings.TrimSpace(rec.Model),
		TokensPrompt:     rec.PromptTokens,
		TokensCompletion: rec.CompletionTokens,
		Cost:             rec.Cost,
		Outcome:          rec.Outcome,
		DurationMs:       int(rec.Duration / time.Millisecond),
	})
}

var _ service.LLMUsageRecorder = (*LLMUsageRecorder)(nil)
