package turnqueue

import (
	"context"
	"fmt"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// Persister 持久化一个轮次任务，实现必须幂等
type Persister interface {
	Persist(ctx context.Context, task *entity.TurnTask) error
}

// TurnPersister 将一问一答写入对话存储
type TurnPersister struct {
	repo repository.ConversationTurnRepository
}

func NewTurnPersister(repo repository.ConversationTurnRepository) *TurnPersister {
	return &TurnPersister{repo: repo}
}

func (p *TurnPersister) Persist(ctx context.Context, task *entity.TurnTask) error {
	if task == nil {
		return ErrInvalidTurnTask
	}
	if task.ConversationID == "" || task.RequestID == "" {
		return fmt.Errorf("%w: conversation_id=%q request_id=%q", ErrInvalidTurnTask, task.ConversationID, task.RequestID)
	}
	user := entity.NewConversationTurn(task.AccountID, task.ConversationID, task.RequestID, entity.RoleUser, task.UserTurn)
	assistant := entity.NewConversationTurn(task.AccountID, task.ConversationID, task.RequestID, entity.RoleAssistant, task.AssistantTurn)
	if err := p.repo.AppendPair(ctx, user, assistant); err != nil {
		return fmt.Errorf("append turn pair: %w", err)
	}
	return nil
}
