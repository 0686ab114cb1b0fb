// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"time"

	"ai-billing-api/internal/domain/entity"
)

// ModelUsage 某模型在时间窗内的用量汇总
type ModelUsage struct {
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64
}

type LLMUsageEventRepository interface {
	// Create 写入用量事件，RequestID 重复时忽略
	Create(ctx context.Context, event *entity.LLMUsageEvent) error
	// SummarizeByModel 统计 [start, end) 内的用量，按模型名升序
	SummarizeByModel(ctx context.Context, accountID string, start, end time.Time) ([]ModelUsage, error)
}
