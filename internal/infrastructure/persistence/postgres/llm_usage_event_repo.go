package postgres

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm/clause"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// LLMUsageEventRepository 用量事件，request_id 唯一
type LLMUsageEventRepository struct {
	client *Client
}

func NewLLMUsageEventRepository(client *Client) *LLMUsageEventRepository {
	return &LLMUsageEventRepository{client: client}
}

var _ repository.LLMUsageEventRepository = (*LLMUsageEventRepository)(nil)

func (r *LLMUsageEventRepository) Create(ctx context.Context, event *entity.LLMUsageEvent) error {
	ctx, span := tracer.Start(ctx, "postgres.LLMUsageEventRepository.Create",
		trace.WithAttributes(attribute.String("request_id", event.RequestID)))
	defer span.End()

	err := r.client.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(event).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert usage event %s: %w", event.RequestID, err)
	}
	return nil
}

type modelUsageRow struct {
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64
}

func (r *LLMUsageEventRepository) SummarizeByModel(ctx context.Context, accountID string, start, end time.Time) ([]repository.ModelUsage, error) {
	ctx, span := tracer.Start(ctx, "postgres.LLMUsageEventRepository.SummarizeByModel")
	defer span.End()

	var rows []modelUsageRow
	err := r.client.conn(ctx).
		Model(&entity.LLMUsageEvent{}).
		Select(`model,
			COUNT(*) AS requests,
			COALESCE(SUM(tokens_prompt), 0) AS prompt_tokens,
			COALESCE(SUM(tokens_completion), 0) AS completion_tokens,
			COALESCE(SUM(cost), 0) AS cost`).
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, start, end).
		Group("model").
		Order("model").
		Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("summarize usage for %s: %w", accountID, err)
	}

	out := make([]repository.ModelUsage, len(rows))
	for i, row := range rows {
		out[i] = repository.ModelUsage(row)
	}
	return out, nil
}
