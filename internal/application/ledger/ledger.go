// Package ledger 实现基于版本号乐观锁的账户资金账本
//
// 所有变更都是“读账户 -> 校验 -> 条件更新”的 CAS 循环，不持有任何行锁。
// 冻结与结算按 request_id 幂等，重复调用返回首次记录的结果。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/metrics"
	"ai-billing-api/pkg/tracer"
	"ai-billing-api/pkg/utils"
)

// Balance 账户余额视图
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Frozen    int64  `json:"frozen"`
	Available int64  `json:"available"`
	Version   int64  `json:"version"`
}

// Result 冻结记录终态迁移的结果
type Result struct {
	RequestID string              `json:"request_id"`
	Status    entity.FreezeStatus `json:"status"`
	Frozen    int64               `json:"frozen"`
	Charged   int64               `json:"charged"`
	Released  int64               `json:"released"`
	// Replayed 记录在本次调用前已是终态
	Replayed bool `json:"replayed"`
}

func resultFromRecord(rec *entity.FreezeRecord, replayed bool) *Result {
	return &Result{
		RequestID: rec.RequestID,
		Status:    rec.Status,
		Frozen:    rec.Amount,
		Charged:   rec.Charged,
		Released:  rec.Amount - rec.Charged,
		Replayed:  replayed,
	}
}

// Ledger 账本服务
type Ledger struct {
	store           repository.LedgerStore
	cache           repository.BalanceCache
	policy          RetryPolicy
	penaltyFraction decimal.Decimal
}

// Option 账本可选项
type Option func(*Ledger)

// WithBalanceCache 启用余额读缓存
func WithBalanceCache(cache repository.BalanceCache) Option {
	return func(l *Ledger) {
		l.cache = cache
	}
}

// WithRetryPolicy 覆盖 CAS 重试策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) {
		l.policy = p
	}
}

// WithPenaltyFraction 覆盖默认扣罚比例
func WithPenaltyFraction(f float64) Option {
	return func(l *Ledger) {
		l.penaltyFraction = decimal.NewFromFloat(f)
	}
}

// New 创建账本
func New(store repository.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:           store,
		policy:          DefaultRetryPolicy(),
		penaltyFraction: decimal.NewFromFloat(0.1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromConfig 按计费配置创建账本
func NewFromConfig(store repository.LedgerStore, cfg *config.BillingConfig, cache repository.BalanceCache) *Ledger {
	opts := []Option{
		WithRetryPolicy(NewRetryPolicy(cfg.Ledger)),
		WithPenaltyFraction(cfg.PenaltyFraction),
	}
	if cache != nil {
		opts = append(opts, WithBalanceCache(cache))
	}
	return New(store, opts...)
}

// OpenAccount 确保账户存在，重复调用返回已有账户
func (l *Ledger) OpenAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrAccountNotFound)
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if err := l.store.CreateAccount(ctx, entity.NewAccount(accountID)); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return nil, fmt.Errorf("open account: %w", err)
	}
	return l.store.GetAccount(ctx, accountID)
}

// CheckBalance 只读判断可用余额是否足够
func (l *Ledger) CheckBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	acct, err := l.getAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.Available() >= amount, nil
}

// GetBalance 查询余额，启用缓存时可能存在秒级延迟
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	var (
		acct *entity.Account
		err  error
	)
	if l.cache != nil {
		acct, err = l.cache.GetOrLoad(ctx, accountID, func(ctx context.Context) (*entity.Account, error) {
			return l.getAccount(ctx, accountID)
		})
	} else {
		acct, err = l.getAccount(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID: acct.ID,
		Balance:   acct.Balance,
		Frozen:    acct.Frozen,
		Available: acct.Available(),
		Version:   acct.Version,
	}, nil
}

// GetTransactions 分页查询审计流水，新的在前
func (l *Ledger) GetTransactions(ctx context.Context, accountID string, filter repository.LedgerEntryFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.LedgerEntry], error) {
	return l.store.ListEntries(ctx, accountID, filter, pagination)
}

// Freeze 为一次请求预留资金
// 同一 request_id 已有冻结记录时原样返回，不论其当前状态
func (l *Ledger) Freeze(ctx context.Context, accountID, requestID string, amount int64) (*entity.FreezeRecord, error) {
	rec, _, err := l.FreezeOnce(ctx, accountID, requestID, amount)
	return rec, err
}

// FreezeOnce 同 Freeze，created 表示记录由本次调用创建
func (l *Ledger) FreezeOnce(ctx context.Context, accountID, requestID string, amount int64) (rec *entity.FreezeRecord, created bool, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Freeze")
	defer span.End()

	if amount < 0 {
		return nil, false, fmt.Errorf("%w: freeze %d", ErrInvalidAmount, amount)
	}

	if existing, err := l.existingFreeze(ctx, accountID, requestID); err != nil || existing != nil {
		if existing != nil {
			metrics.LedgerOpsTotal.WithLabelValues("freeze", "replayed").Inc()
		}
		return existing, false, err
	}

	var fresh *entity.FreezeRecord
	attempts, err := l.policy.run(ctx, "freeze", func(ctx context.Context) error {
		acct, err := l.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Available() < amount {
			return ErrInsufficientBalance
		}

		rec := &entity.FreezeRecord{
			ID:        utils.NewID(utils.PrefixFreeze),
			AccountID: accountID,
			RequestID: requestID,
			Amount:    amount,
			Status:    entity.FreezeStatusActive,
		}
		err = l.store.Apply(ctx, &repository.LedgerMutation{
			AccountID:       accountID,
			ExpectedVersion: acct.Version,
			FrozenDelta:     amount,
			CreateFreeze:    rec,
			Entry:           l.newEntry(acct, entity.LedgerEntryFreeze, requestID, 0, amount, ""),
		})
		if err != nil {
			return err
		}
		fresh = rec
		return nil
	})

	// 并发的同 request_id 冻结输掉唯一键竞争，返回胜者的记录
	if errors.Is(err, repository.ErrDuplicate) {
		winner, getErr := l.store.GetFreezeByRequestID(ctx, requestID)
		if getErr != nil {
			return nil, false, fmt.Errorf("reload freeze after duplicate: %w", getErr)
		}
		metrics.LedgerOpsTotal.WithLabelValues("freeze", "replayed").Inc()
		return winner, false, nil
	}
	if err != nil {
		l.observeFailure(ctx, "freeze", accountID, requestID, attempts, err)
		tracer.Fail(span, err)
		return nil, false, err
	}

	metrics.LedgerOpsTotal.WithLabelValues("freeze", "ok").Inc()
	l.invalidate(ctx, accountID)
	return fresh, true, nil
}

// Settle 结算：按实际费用扣款并释放全部冻结
// 实际费用超过冻结额时按冻结额封顶，差额记日志与指标，不做二次冻结
func (l *Ledger) Settle(ctx context.Context, accountID, requestID string, frozenAmount, actualCost int64) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.Settle")
	defer span.End()

	if actualCost < 0 {
		return nil, fmt.Errorf("%w: actual cost %d", ErrInvalidAmount, actualCost)
	}
	res, err := l.finish(ctx, "settle", accountID, requestID, frozenAmount, func(rec *entity.FreezeRecord) (entity.FreezeStatus, entity.LedgerEntryType, int64) {
		charged := actualCost
		if charged > rec.Amount {
			charged = rec.Amount
		}
		return entity.FreezeStatusSettled, entity.LedgerEntrySettle, charged
	})
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	if !res.Replayed && actualCost > res.Frozen {
		overflow := actualCost - res.Frozen
		metrics.LedgerSettleCappedTotal.Inc()
		metrics.LedgerSettleOverflowUnits.Add(float64(overflow))
		logger.Warn(ctx, "actual cost exceeded frozen amount, capped",
			"account_id", accountID,
			"request_id", requestID,
			"frozen", res.Frozen,
			"actual_cost", actualCost,
			"uncollected", overflow,
		)
	}
	return res, nil
}

// Refund 上游调用失败，全额释放冻结，不扣费
func (l *Ledger) Refund(ctx context.Context, accountID, requestID string, frozenAmount int64) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.Refund")
	defer span.End()

	res, err := l.finish(ctx, "refund", accountID, requestID, frozenAmount, func(*entity.FreezeRecord) (entity.FreezeStatus, entity.LedgerEntryType, int64) {
		return entity.FreezeStatusRefunded, entity.LedgerEntryRefund, 0
	})
	if err != nil {
		tracer.Fail(span, err)
	}
	return res, err
}

// DeductViolationPenalty 输出审核不通过：按冻结额的比例扣罚，其余释放
// penalty = ceil(frozen * fraction)，不超过冻结额
func (l *Ledger) DeductViolationPenalty(ctx context.Context, accountID, requestID string, frozenAmount int64) (*Result, error) {
	return l.DeductViolationPenaltyWithFraction(ctx, accountID, requestID, frozenAmount, l.penaltyFraction)
}

// DeductViolationPenaltyWithFraction 指定扣罚比例
func (l *Ledger) DeductViolationPenaltyWithFraction(ctx context.Context, accountID, requestID string, frozenAmount int64, fraction decimal.Decimal) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.DeductViolationPenalty")
	defer span.End()

	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: penalty fraction %s", ErrInvalidAmount, fraction)
	}
	res, err := l.finish(ctx, "penalty", accountID, requestID, frozenAmount, func(rec *entity.FreezeRecord) (entity.FreezeStatus, entity.LedgerEntryType, int64) {
		return entity.FreezeStatusPenalized, entity.LedgerEntryPenalty, penaltyAmount(rec.Amount, fraction)
	})
	if err != nil {
		tracer.Fail(span, err)
	}
	return res, err
}

func penaltyAmount(frozen int64, fraction decimal.Decimal) int64 {
	p := decimal.NewFromInt(frozen).Mul(fraction).Ceil().IntPart()
	if p > frozen {
		return frozen
	}
	return p
}

type decideFunc func(rec *entity.FreezeRecord) (entity.FreezeStatus, entity.LedgerEntryType, int64)

// finish 冻结记录的终态迁移，恰好执行一次
// 以冻结记录上的金额为准，调用方传入的 frozenAmount 仅用于核对
func (l *Ledger) finish(ctx context.Context, op, accountID, requestID string, frozenAmount int64, decide decideFunc) (*Result, error) {
	var res *Result
	attempts, err := l.policy.run(ctx, op, func(ctx context.Context) error {
		rec, err := l.store.GetFreezeByRequestID(ctx, requestID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrFreezeNotFound
		}
		if err != nil {
			return err
		}
		if rec.AccountID != accountID {
			return fmt.Errorf("%w: request %s belongs to another account", ErrFreezeNotFound, requestID)
		}
		if !rec.IsActive() {
			res = resultFromRecord(rec, true)
			return nil
		}
		if frozenAmount != rec.Amount {
			logger.Warn(ctx, "frozen amount mismatch, using recorded amount",
				"op", op,
				"request_id", requestID,
				"given", frozenAmount,
				"recorded", rec.Amount,
			)
		}

		acct, err := l.getAccount(ctx, accountID)
		if err != nil {
			return err
		}

		status, entryType, charged := decide(rec)
		err = l.store.Apply(ctx, &repository.LedgerMutation{
			AccountID:       accountID,
			ExpectedVersion: acct.Version,
			BalanceDelta:    -charged,
			FrozenDelta:     -rec.Amount,
			CloseFreeze: &repository.FreezeTransition{
				RequestID: requestID,
				Status:    status,
				Charged:   charged,
			},
			Entry: l.newEntry(acct, entryType, requestID, -charged, -rec.Amount, ""),
		})
		if err != nil {
			return err
		}

		closed := *rec
		closed.Status = status
		closed.Charged = charged
		res = resultFromRecord(&closed, false)
		return nil
	})
	if err != nil {
		l.observeFailure(ctx, op, accountID, requestID, attempts, err)
		return nil, err
	}

	if res.Replayed {
		metrics.LedgerOpsTotal.WithLabelValues(op, "replayed").Inc()
		return res, nil
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, "ok").Inc()
	l.invalidate(ctx, accountID)
	return res, nil
}

// Recharge 管理端充值，账户不存在时自动开户
func (l *Ledger) Recharge(ctx context.Context, accountID string, amount int64, reason string) (*Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.Recharge")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: recharge %d", ErrInvalidAmount, amount)
	}
	if _, err := l.OpenAccount(ctx, accountID); err != nil {
		return nil, err
	}
	bal, err := l.direct(ctx, "recharge", accountID, amount, entity.LedgerEntryRecharge, reason)
	if err != nil {
		tracer.Fail(span, err)
	}
	return bal, err
}

// Adjust 管理端调账，delta 可正可负，不允许使可用余额为负
func (l *Ledger) Adjust(ctx context.Context, accountID string, delta int64, reason string) (*Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.Adjust")
	defer span.End()

	if delta == 0 {
		return nil, fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
	}
	bal, err := l.direct(ctx, "adjust", accountID, delta, entity.LedgerEntryAdjust, reason)
	if err != nil {
		tracer.Fail(span, err)
	}
	return bal, err
}

// direct 绕过冻结/结算的直接余额变更
func (l *Ledger) direct(ctx context.Context, op, accountID string, delta int64, entryType entity.LedgerEntryType, reason string) (*Balance, error) {
	var bal *Balance
	attempts, err := l.policy.run(ctx, op, func(ctx context.Context) error {
		acct, err := l.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Available()+delta < 0 {
			return ErrInsufficientBalance
		}
		err = l.store.Apply(ctx, &repository.LedgerMutation{
			AccountID:       accountID,
			ExpectedVersion: acct.Version,
			BalanceDelta:    delta,
			Entry:           l.newEntry(acct, entryType, "", delta, 0, reason),
		})
		if err != nil {
			return err
		}
		bal = &Balance{
			AccountID: accountID,
			Balance:   acct.Balance + delta,
			Frozen:    acct.Frozen,
			Available: acct.Available() + delta,
			Version:   acct.Version + 1,
		}
		return nil
	})
	if err != nil {
		l.observeFailure(ctx, op, accountID, "", attempts, err)
		return nil, err
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, "ok").Inc()
	logger.Info(ctx, "balance adjusted", "op", op, "account_id", accountID, "delta", delta, "reason", reason)
	l.invalidate(ctx, accountID)
	return bal, nil
}

// Lookup 查询请求的冻结记录，不存在时返回 nil
func (l *Ledger) Lookup(ctx context.Context, accountID, requestID string) (*entity.FreezeRecord, error) {
	return l.existingFreeze(ctx, accountID, requestID)
}

func (l *Ledger) existingFreeze(ctx context.Context, accountID, requestID string) (*entity.FreezeRecord, error) {
	rec, err := l.store.GetFreezeByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.AccountID != accountID {
		return nil, fmt.Errorf("%w: request %s belongs to another account", ErrFreezeNotFound, requestID)
	}
	return rec, nil
}

func (l *Ledger) getAccount(ctx context.Context, accountID string) (*entity.Account, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// newEntry 以读到的账户快照计算变更后的余额，CAS 成功即与实际一致
func (l *Ledger) newEntry(acct *entity.Account, t entity.LedgerEntryType, requestID string, delta, frozenDelta int64, reason string) *entity.LedgerEntry {
	return &entity.LedgerEntry{
		ID:           utils.NewID(utils.PrefixLedgerEntry),
		AccountID:    acct.ID,
		Type:         t,
		Delta:        delta,
		FrozenDelta:  frozenDelta,
		BalanceAfter: acct.Balance + delta,
		FrozenAfter:  acct.Frozen + frozenDelta,
		RequestID:    requestID,
		Reason:       reason,
	}
}

func (l *Ledger) invalidate(ctx context.Context, accountID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, accountID); err != nil {
		logger.Warn(ctx, "balance cache invalidate failed", "account_id", accountID, "error", err.Error())
	}
}

func (l *Ledger) observeFailure(ctx context.Context, op, accountID, requestID string, attempts int, err error) {
	status := "error"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		status = "insufficient"
	case errors.Is(err, ErrConcurrencyExhausted):
		status = "exhausted"
		logger.Warn(ctx, "ledger cas retries exhausted",
			"op", op,
			"account_id", accountID,
			"request_id", requestID,
			"attempts", attempts,
		)
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, status).Inc()
}
