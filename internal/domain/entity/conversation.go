// Package entity 定义领域实体
package entity

import "time"

// Role 对话角色枚举
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn 对话轮次
// (conversation_id, request_id, role) 唯一，保证重复投递不会产生重复轮次
type ConversationTurn struct {
	ID             string    `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID      string    `json:"account_id" gorm:"type:varchar(64);not null;default:'';index"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_turn_request,priority:1;index:idx_turn_seq,priority:1"`
	RequestID      string    `json:"request_id" gorm:"type:varchar(128);not null;uniqueIndex:idx_turn_request,priority:2"`
	Role           Role      `json:"role" gorm:"type:varchar(16);not null;uniqueIndex:idx_turn_request,priority:3"`
	Seq            int64     `json:"seq" gorm:"not null;index:idx_turn_seq,priority:2"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (ConversationTurn) TableName() string {
	return "conversation_turns"
}

func NewConversationTurn(accountID, conversationID, requestID string, role Role, content string) *ConversationTurn {
	return &ConversationTurn{
		AccountID:      accountID,
		ConversationID: conversationID,
		RequestID:      requestID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}
