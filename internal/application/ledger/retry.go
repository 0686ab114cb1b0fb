package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/pkg/metrics"
)

// RetryPolicy 乐观锁重试上限，次数与总耗时同时生效
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

// DefaultRetryPolicy 50 次、约 1ms 起步的抖动退避
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 50,
		BaseDelay:   time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxElapsed:  2 * time.Second,
	}
}

// NewRetryPolicy 从配置构建，非法值回落到默认
func NewRetryPolicy(cfg config.LedgerConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.MaxElapsed > 0 {
		p.MaxElapsed = cfg.MaxElapsed
	}
	return p
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         p.MaxDelay,
	}
}

// run 执行一次 CAS 循环：fn 返回 ErrVersionConflict 时退避重试，其他错误立即返回
// 返回实际尝试次数，重试耗尽统一映射为 ErrConcurrencyExhausted
func (p RetryPolicy) run(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, repository.ErrVersionConflict):
			metrics.LedgerCASConflicts.WithLabelValues(op).Inc()
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	metrics.LedgerCASAttempts.WithLabelValues(op).Observe(float64(attempts))

	// 最后一次尝试返回的 Permanent 包装不会被 Retry 拆开
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if errors.Is(err, repository.ErrVersionConflict) {
		return attempts, ErrConcurrencyExhausted
	}
	return attempts, err
}
