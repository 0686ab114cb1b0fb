package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// LLMUsageEventRepository 内存用量事件存储
type LLMUsageEventRepository struct {
	mu     sync.Mutex
	events map[string]entity.LLMUsageEvent
}

func NewLLMUsageEventRepository() *LLMUsageEventRepository {
	return &LLMUsageEventRepository{events: make(map[string]entity.LLMUsageEvent)}
}

func (r *LLMUsageEventRepository) Create(_ context.Context, event *entity.LLMUsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[event.RequestID]; ok {
		return nil
	}
	evt := *event
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	r.events[evt.RequestID] = evt
	return nil
}

func (r *LLMUsageEventRepository) SummarizeByModel(_ context.Context, accountID string, start, end time.Time) ([]repository.ModelUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byModel := make(map[string]*repository.ModelUsage)
	for _, e := range r.events {
		if e.AccountID != accountID || e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		u, ok := byModel[e.Model]
		if !ok {
			u = &repository.ModelUsage{Model: e.Model}
			byModel[e.Model] = u
		}
		u.Requests++
		u.PromptTokens += int64(e.TokensPrompt)
		u.CompletionTokens += int64(e.TokensCompletion)
		u.Cost += e.Cost
	}

	out := make([]repository.ModelUsage, 0, len(byModel))
	for _, u := range byModel {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}
