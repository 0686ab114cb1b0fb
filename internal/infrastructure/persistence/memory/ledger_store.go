// Package memory 提供进程内存储实现，用于单进程开发模式与测试
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// ErrInvariantViolated 变更会使账户出现负可用余额或负冻结额
var ErrInvariantViolated = errors.New("memory: account invariant violated")

// LedgerStore 内存账本，互斥锁只保护 map 本身，业务层仍走版本号 CAS
type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[string]entity.Account
	freezes  map[string]entity.FreezeRecord
	entries  []entity.LedgerEntry
	now      func() time.Time
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts: make(map[string]entity.Account),
		freezes:  make(map[string]entity.FreezeRecord),
		now:      time.Now,
	}
}

func (s *LedgerStore) GetAccount(_ context.Context, accountID string) (*entity.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &acct, nil
}

func (s *LedgerStore) CreateAccount(_ context.Context, account *entity.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return repository.ErrDuplicate
	}
	s.accounts[account.ID] = *account
	return nil
}

func (s *LedgerStore) GetFreezeByRequestID(_ context.Context, requestID string) (*entity.FreezeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.freezes[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (s *LedgerStore) Apply(_ context.Context, m *repository.LedgerMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[m.AccountID]
	if !ok {
		return repository.ErrNotFound
	}
	if acct.Version != m.ExpectedVersion {
		return repository.ErrVersionConflict
	}

	var closing entity.FreezeRecord
	if m.CreateFreeze != nil {
		if _, exists := s.freezes[m.CreateFreeze.RequestID]; exists {
			return repository.ErrDuplicate
		}
	}
	if m.CloseFreeze != nil {
		rec, exists := s.freezes[m.CloseFreeze.RequestID]
		if !exists || rec.Status != entity.FreezeStatusActive {
			return repository.ErrVersionConflict
		}
		closing = rec
	}

	balance := acct.Balance + m.BalanceDelta
	frozen := acct.Frozen + m.FrozenDelta
	if frozen < 0 || balance-frozen < 0 {
		return ErrInvariantViolated
	}

	now := s.now()
	acct.Balance = balance
	acct.Frozen = frozen
	acct.Version++
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct

	if m.CreateFreeze != nil {
		rec := *m.CreateFreeze
		rec.CreatedAt = now
		s.freezes[rec.RequestID] = rec
	}
	if m.CloseFreeze != nil {
		closing.Status = m.CloseFreeze.Status
		closing.Charged = m.CloseFreeze.Charged
		closing.FinishedAt = &now
		s.freezes[closing.RequestID] = closing
	}
	if m.Entry != nil {
		entry := *m.Entry
		entry.CreatedAt = now
		s.entries = append(s.entries, entry)
	}
	return nil
}

func (s *LedgerStore) ListEntries(_ context.Context, accountID string, filter repository.LedgerEntryFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.LedgerEntry], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*entity.LedgerEntry, 0)
	// 新的在前
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, e.Type) {
			continue
		}
		if filter.RequestID != "" && e.RequestID != filter.RequestID {
			continue
		}
		matched = append(matched, &e)
	}

	return repository.Paginate(matched, pagination), nil
}
