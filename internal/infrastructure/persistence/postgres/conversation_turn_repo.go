package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

type ConversationTurnRepository struct {
	client *Client
}

func NewConversationTurnRepository(client *Client) *ConversationTurnRepository {
	return &ConversationTurnRepository{client: client}
}

// AppendPair 同一会话串行分配 seq（事务级 advisory lock），重复的 request_id 视为已写入
func (r *ConversationTurnRepository) AppendPair(ctx context.Context, user, assistant *entity.ConversationTurn) error {
	ctx, span := tracer.Start(ctx, "postgres.ConversationTurnRepository.AppendPair")
	defer span.End()

	err := r.client.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", user.ConversationID).Error; err != nil {
			return err
		}

		var exists int64
		if err := tx.Model(&entity.ConversationTurn{}).
			Where("conversation_id = ? AND request_id = ?", user.ConversationID, user.RequestID).
			Count(&exists).Error; err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}

		var maxSeq int64
		if err := tx.Model(&entity.ConversationTurn{}).
			Where("conversation_id = ?", user.ConversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		user.Seq = maxSeq + 1
		assistant.Seq = maxSeq + 2
		return tx.Create([]*entity.ConversationTurn{user, assistant}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("failed to append conversation turns: %w", err)
	}
	return nil
}

func (r *ConversationTurnRepository) ListByConversation(ctx context.Context, accountID, conversationID string, pagination repository.Pagination) (*repository.PagedResult[*entity.ConversationTurn], error) {
	ctx, span := tracer.Start(ctx, "postgres.ConversationTurnRepository.ListByConversation")
	defer span.End()

	db := r.client.conn(ctx)
	query := db.Model(&entity.ConversationTurn{}).Where("account_id = ? AND conversation_id = ?", accountID, conversationID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count conversation turns: %w", err)
	}

	var turns []*entity.ConversationTurn
	if err := query.Order("seq ASC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&turns).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list conversation turns: %w", err)
	}

	return repository.NewPagedResult(turns, total, pagination), nil
}

var _ repository.ConversationTurnRepository = (*ConversationTurnRepository)(nil)
