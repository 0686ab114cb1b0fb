package dto

import (
	"time"

	"ai-billing-api/internal/domain/entity"
)

// ConversationTurnResponse 对话轮次
type ConversationTurnResponse struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	RequestID string `json:"request_id"`
	CreatedAt string `json:"created_at"`
}

func ToConversationTurnListResponse(turns []*entity.ConversationTurn) []*ConversationTurnResponse {
	out := make([]*ConversationTurnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, &ConversationTurnResponse{
			Seq:       t.Seq,
			Role:      string(t.Role),
			Content:   t.Content,
			RequestID: t.RequestID,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
