package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// ConversationTurnRepository 内存对话存储
type ConversationTurnRepository struct {
	mu    sync.Mutex
	turns map[string][]entity.ConversationTurn
}

func NewConversationTurnRepository() *ConversationTurnRepository {
	return &ConversationTurnRepository{turns: make(map[string][]entity.ConversationTurn)}
}

func (r *ConversationTurnRepository) AppendPair(_ context.Context, user, assistant *entity.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.turns[user.ConversationID]
	for _, t := range existing {
		if t.RequestID == user.RequestID {
			return nil
		}
	}

	seq := int64(len(existing))
	for _, t := range []*entity.ConversationTurn{user, assistant} {
		seq++
		t.Seq = seq
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		existing = append(existing, *t)
	}
	r.turns[user.ConversationID] = existing
	return nil
}

func (r *ConversationTurnRepository) ListByConversation(_ context.Context, accountID, conversationID string, pagination repository.Pagination) (*repository.PagedResult[*entity.ConversationTurn], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := make([]*entity.ConversationTurn, 0, len(r.turns[conversationID]))
	for _, t := range r.turns[conversationID] {
		if t.AccountID == accountID {
			owned = append(owned, &t)
		}
	}
	return repository.Paginate(owned, pagination), nil
}
