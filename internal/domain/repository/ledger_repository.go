// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"ai-billing-api/internal/domain/entity"
)

// FreezeTransition 冻结记录的终态迁移，仅当记录仍为 active 时生效
type FreezeTransition struct {
	RequestID string
	Status    entity.FreezeStatus
	Charged   int64
}

// LedgerMutation 一次原子的账户变更
// Apply 需要在同一事务内完成：按 ExpectedVersion 条件更新账户、写入或终结冻结记录、追加流水
type LedgerMutation struct {
	AccountID       string
	ExpectedVersion int64
	BalanceDelta    int64
	FrozenDelta     int64

	// CreateFreeze 非空时插入冻结记录，RequestID 冲突返回 ErrDuplicate
	CreateFreeze *entity.FreezeRecord
	// CloseFreeze 非空时终结冻结记录，记录已非 active 返回 ErrVersionConflict
	CloseFreeze *FreezeTransition

	Entry *entity.LedgerEntry
}

// LedgerEntryFilter 流水查询条件
type LedgerEntryFilter struct {
	Types     []entity.LedgerEntryType
	RequestID string
}

// LedgerStore 账户行存储，支持按版本号条件更新与只追加流水
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (*entity.Account, error)
	// CreateAccount 创建账户，已存在返回 ErrDuplicate
	CreateAccount(ctx context.Context, account *entity.Account) error
	GetFreezeByRequestID(ctx context.Context, requestID string) (*entity.FreezeRecord, error)
	// Apply 执行一次 CAS 变更，版本不匹配返回 ErrVersionConflict 且无任何副作用
	Apply(ctx context.Context, m *LedgerMutation) error
	ListEntries(ctx context.Context, accountID string, filter LedgerEntryFilter, pagination Pagination) (*PagedResult[*entity.LedgerEntry], error)
}

// BalanceCache 余额读缓存，写路径只做失效
type BalanceCache interface {
	GetOrLoad(ctx context.Context, accountID string, loader func(ctx context.Context) (*entity.Account, error)) (*entity.Account, error)
	Invalidate(ctx context.Context, accountID string) error
}
