// Package entity 定义领域实体
package entity

import "time"

// Account 计费账户
// 不变量：Balance - Frozen >= 0，每次变更 Version 加一
type Account struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Balance   int64     `json:"balance" gorm:"not null;default:0"`
	Frozen    int64     `json:"frozen" gorm:"not null;default:0"`
	Version   int64     `json:"version" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// NewAccount 创建空账户
func NewAccount(id string) *Account {
	now := time.Now()
	return &Account{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Available 可用余额
func (a *Account) Available() int64 {
	return a.Balance - a.Frozen
}

// AccountRole 调用方角色，来自访问令牌
type AccountRole string

const (
	AccountRoleAdmin  AccountRole = "admin"
	AccountRoleMember AccountRole = "member"
)
