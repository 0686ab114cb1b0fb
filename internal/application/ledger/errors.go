package ledger

import "errors"

// 对外只有余额不足与并发重试耗尽两类业务错误，其余均为调用方参数问题
var (
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrConcurrencyExhausted = errors.New("ledger: concurrency retries exhausted")

	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrFreezeNotFound  = errors.New("ledger: freeze record not found")
	ErrInvalidAmount   = errors.New("ledger: invalid amount")
)
