package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
)

// ErrInvariantViolated 变更违反账户 CHECK 约束
var ErrInvariantViolated = errors.New("postgres: account invariant violated")

// LedgerStore 账本存储，账户行只通过 version 条件更新，不加行锁
type LedgerStore struct {
	client *Client
}

func NewLedgerStore(client *Client) *LedgerStore {
	return &LedgerStore{client: client}
}

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	ctx, span := tracer.Start(ctx, "postgres.LedgerStore.GetAccount")
	defer span.End()

	var acct entity.Account
	if err := s.client.conn(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (s *LedgerStore) CreateAccount(ctx context.Context, account *entity.Account) error {
	ctx, span := tracer.Start(ctx, "postgres.LedgerStore.CreateAccount")
	defer span.End()

	if err := s.client.conn(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrDuplicate
		}
		span.RecordError(err)
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetFreezeByRequestID(ctx context.Context, requestID string) (*entity.FreezeRecord, error) {
	ctx, span := tracer.Start(ctx, "postgres.LedgerStore.GetFreezeByRequestID")
	defer span.End()

	var rec entity.FreezeRecord
	if err := s.client.conn(ctx).First(&rec, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get freeze record: %w", err)
	}
	return &rec, nil
}

// Apply UPDATE accounts ... WHERE id = ? AND version = ?，冻结记录与流水在同一事务内写入
func (s *LedgerStore) Apply(ctx context.Context, m *repository.LedgerMutation) error {
	ctx, span := tracer.Start(ctx, "postgres.LedgerStore.Apply")
	defer span.End()

	now := time.Now()
	err := s.client.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entity.Account{}).
			Where("id = ? AND version = ?", m.AccountID, m.ExpectedVersion).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", m.BalanceDelta),
				"frozen":     gorm.Expr("frozen + ?", m.FrozenDelta),
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&entity.Account{}).Where("id = ?", m.AccountID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return repository.ErrNotFound
			}
			return repository.ErrVersionConflict
		}

		if m.CreateFreeze != nil {
			m.CreateFreeze.CreatedAt = now
			if err := tx.Create(m.CreateFreeze).Error; err != nil {
				return err
			}
		}

		if m.CloseFreeze != nil {
			res := tx.Model(&entity.FreezeRecord{}).
				Where("request_id = ? AND status = ?", m.CloseFreeze.RequestID, entity.FreezeStatusActive).
				Updates(map[string]interface{}{
					"status":      m.CloseFreeze.Status,
					"charged":     m.CloseFreeze.Charged,
					"finished_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return repository.ErrVersionConflict
			}
		}

		if m.Entry != nil {
			m.Entry.CreatedAt = now
			if err := tx.Create(m.Entry).Error; err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return repository.ErrDuplicate
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return ErrInvariantViolated
	}
	span.RecordError(err)
	return fmt.Errorf("failed to apply ledger mutation: %w", err)
}

func (s *LedgerStore) ListEntries(ctx context.Context, accountID string, filter repository.LedgerEntryFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.LedgerEntry], error) {
	ctx, span := tracer.Start(ctx, "postgres.LedgerStore.ListEntries")
	defer span.End()

	query := s.client.conn(ctx).Model(&entity.LedgerEntry{}).Where("account_id = ?", accountID)
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query = query.Where("type = ANY(?)", pq.Array(types))
	}
	if filter.RequestID != "" {
		query = query.Where("request_id = ?", filter.RequestID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var entries []*entity.LedgerEntry
	if err := query.Order("created_at DESC, id DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&entries).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	return repository.NewPagedResult(entries, total, pagination), nil
}

var _ repository.LedgerStore = (*LedgerStore)(nil)
