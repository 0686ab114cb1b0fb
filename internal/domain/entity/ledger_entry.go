// Package entity 定义领域实体
package entity

import "time"

// LedgerEntryType 流水类型
type LedgerEntryType string

const (
	LedgerEntryFreeze   LedgerEntryType = "freeze"
	LedgerEntrySettle   LedgerEntryType = "settle"
	LedgerEntryRefund   LedgerEntryType = "refund"
	LedgerEntryPenalty  LedgerEntryType = "penalty"
	LedgerEntryRecharge LedgerEntryType = "recharge"
	LedgerEntryAdjust   LedgerEntryType = "adjust"
)

// ParseLedgerEntryType 校验外部输入的流水类型
func ParseLedgerEntryType(s string) (LedgerEntryType, bool) {
	switch t := LedgerEntryType(s); t {
	case LedgerEntryFreeze, LedgerEntrySettle, LedgerEntryRefund,
		LedgerEntryPenalty, LedgerEntryRecharge, LedgerEntryAdjust:
		return t, true
	}
	return "", false
}

// LedgerEntry 只追加的审计流水
// Delta 为余额变化，FrozenDelta 为冻结额变化；冻结类流水 Delta 为 0
type LedgerEntry struct {
	ID           string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	AccountID    string          `json:"account_id" gorm:"type:varchar(64);index:idx_ledger_account_created,priority:1;not null"`
	Type         LedgerEntryType `json:"type" gorm:"type:varchar(16);not null"`
	Delta        int64           `json:"delta" gorm:"not null;default:0"`
	FrozenDelta  int64           `json:"frozen_delta" gorm:"not null;default:0"`
	BalanceAfter int64           `json:"balance_after" gorm:"not null"`
	FrozenAfter  int64           `json:"frozen_after" gorm:"not null"`
	RequestID    string          `json:"request_id,omitempty" gorm:"type:varchar(128);index"`
	Reason       string          `json:"reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time       `json:"created_at" gorm:"index:idx_ledger_account_created,priority:2;autoCreateTime"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
