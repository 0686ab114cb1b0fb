// Package entity 定义领域实体
package entity

import "time"

// FreezeStatus 冻结记录状态
type FreezeStatus string

const (
	FreezeStatusActive    FreezeStatus = "active"
	FreezeStatusSettled   FreezeStatus = "settled"
	FreezeStatusRefunded  FreezeStatus = "refunded"
	FreezeStatusPenalized FreezeStatus = "penalized"
)

// FreezeRecord 单次请求的资金预留，RequestID 全局唯一
type FreezeRecord struct {
	ID        string       `json:"id" gorm:"type:varchar(64);primaryKey"`
	AccountID string       `json:"account_id" gorm:"type:varchar(64);index;not null"`
	RequestID string       `json:"request_id" gorm:"type:varchar(128);uniqueIndex;not null"`
	Amount    int64        `json:"amount" gorm:"not null"`
	Status    FreezeStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'active'"`
	// Charged 终态时实际从余额扣除的金额，重放时原样返回
	Charged    int64      `json:"charged" gorm:"not null;default:0"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (FreezeRecord) TableName() string {
	return "freeze_records"
}

// IsActive 是否仍持有冻结资金
func (r *FreezeRecord) IsActive() bool {
	return r.Status == FreezeStatusActive
}
