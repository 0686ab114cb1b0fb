// Package quota 提供账户用量统计能力
package quota

import (
	"context"
	"time"

	"ai-billing-api/internal/domain/repository"
)

// DailyUsage 账户某个 UTC 自然日的用量，Models 为按模型拆分的明细
type DailyUsage struct {
	AccountID string
	Day       time.Time
	Requests  int64
	Tokens    int64
	Cost      int64
	Models    []repository.ModelUsage
}

// UsageReporter 按日聚合账户 Token 用量
type UsageReporter struct {
	llmRepo repository.LLMUsageEventRepository
	now     func() time.Time
}

func NewUsageReporter(llmRepo repository.LLMUsageEventRepository) *UsageReporter {
	return &UsageReporter{
		llmRepo: llmRepo,
		now:     time.Now,
	}
}

// DailyTokens 返回 day 所在 UTC 自然日的用量，day 为零值时取当天
func (r *UsageReporter) DailyTokens(ctx context.Context, accountID string, day time.Time) (*DailyUsage, error) {
	if day.IsZero() {
		day = r.now()
	}
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	models, err := r.llmRepo.SummarizeByModel(ctx, accountID, start, end)
	if err != nil {
		return nil, err
	}
	usage := &DailyUsage{AccountID: accountID, Day: start, Models: models}
	for _, m := range models {
		usage.Requests += m.Requests
		usage.Tokens += m.PromptTokens + m.CompletionTokens
		usage.Cost += m.Cost
	}
	return usage, nil
}
