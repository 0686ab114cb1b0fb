// Package entity 定义领域实体
package entity

import "time"

// SpendOutcome 一次计费请求的终态
type SpendOutcome string

const (
	SpendOutcomeSettled   SpendOutcome = "settled"
	SpendOutcomeRefunded  SpendOutcome = "refunded"
	SpendOutcomePenalized SpendOutcome = "penalized"
)

type LLMUsageEvent struct {
	ID               string       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID        string       `json:"account_id" gorm:"type:varchar(64);index;not null"`
	RequestID        string       `json:"request_id" gorm:"type:varchar(128);uniqueIndex;not null"`
	Provider         string       `json:"provider" gorm:"type:varchar(32);not null"`
	Model            string       `json:"model" gorm:"type:varchar(64);not null"`
	TokensPrompt     int          `json:"tokens_prompt" gorm:"not null;default:0"`
	TokensCompletion int          `json:"tokens_completion" gorm:"not null;default:0"`
	Cost             int64        `json:"cost" gorm:"not null;default:0"`
	Outcome          SpendOutcome `json:"outcome" gorm:"type:varchar(16);not null"`
	DurationMs       int          `json:"duration_ms" gorm:"not null;default:0"`
	CreatedAt        time.Time    `json:"created_at" gorm:"autoCreateTime"`
}

func (LLMUsageEvent) TableName() string {
	return "llm_usage_events"
}
