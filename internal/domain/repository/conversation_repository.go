// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"ai-billing-api/internal/domain/entity"
)

type ConversationTurnRepository interface {
	// AppendPair 幂等写入一问一答，按 (conversation_id, request_id) 去重并分配递增 seq
	AppendPair(ctx context.Context, user, assistant *entity.ConversationTurn) error
	// ListByConversation 仅返回属于 accountID 的轮次
	ListByConversation(ctx context.Context, accountID, conversationID string, pagination Pagination) (*PagedResult[*entity.ConversationTurn], error)
}
