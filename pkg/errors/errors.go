// Package errors 定义对外错误码及其 HTTP 映射
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 对外稳定的错误码，客户端按此分支处理
type ErrorCode string

const (
	// 通用 1xxx
	CodeInvalidParam    ErrorCode = "1001"
	CodeUnauthorized    ErrorCode = "1002"
	CodeForbidden       ErrorCode = "1003"
	CodeConflict        ErrorCode = "1005"
	CodeTooManyRequests ErrorCode = "1006"
	CodeInternalError   ErrorCode = "1007"

	// 认证 2xxx
	CodeTokenExpired     ErrorCode = "2001"
	CodeTokenInvalid     ErrorCode = "2002"
	CodeTokenMissing     ErrorCode = "2003"
	CodePermissionDenied ErrorCode = "2004"

	// 资源 3xxx
	CodeAccountNotFound ErrorCode = "3001"
	CodeFreezeNotFound  ErrorCode = "3002"
	CodeModelNotFound   ErrorCode = "3003"

	// 计费 41xx
	CodeInsufficientBalance   ErrorCode = "4101"
	CodeConcurrencyExhausted  ErrorCode = "4102"
	CodeContentBlocked        ErrorCode = "4103"
	CodeGenerationFailed      ErrorCode = "4104"
	CodeModerationUnavailable ErrorCode = "4105"
)

// AppError 携带错误码与 HTTP 状态的错误；预定义值只读，修改请用 With* 得到副本
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	// retryable 未发生资金变动，可用同一幂等键重试
	retryable bool
	Err       error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 错误码相同即视为同一错误，使 errors.Is(err, ErrXxx) 对副本同样成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// Retryable 客户端可用同一 Idempotency-Key 重试
func (e *AppError) Retryable() bool {
	return e.retryable
}

func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

func (e *AppError) WithMessage(msg string) *AppError {
	cp := *e
	cp.Message = msg
	return &cp
}

func (e *AppError) WithError(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

func define(code ErrorCode, status int, msg string) *AppError {
	return &AppError{Code: code, Message: msg, HTTPStatus: status}
}

func retryable(e *AppError) *AppError {
	e.retryable = true
	return e
}

var (
	ErrInvalidParam    = define(CodeInvalidParam, http.StatusBadRequest, "invalid parameter")
	ErrForbidden       = define(CodeForbidden, http.StatusForbidden, "forbidden")
	ErrConflict        = retryable(define(CodeConflict, http.StatusConflict, "resource conflict"))
	ErrTooManyRequests = retryable(define(CodeTooManyRequests, http.StatusTooManyRequests, "too many requests"))
	ErrInternalError   = define(CodeInternalError, http.StatusInternalServerError, "internal server error")

	ErrTokenExpired     = define(CodeTokenExpired, http.StatusUnauthorized, "token expired")
	ErrTokenInvalid     = define(CodeTokenInvalid, http.StatusUnauthorized, "token invalid")
	ErrTokenMissing     = define(CodeTokenMissing, http.StatusUnauthorized, "token missing")
	ErrPermissionDenied = define(CodePermissionDenied, http.StatusForbidden, "permission denied")

	ErrAccountNotFound = define(CodeAccountNotFound, http.StatusNotFound, "account not found")
	ErrFreezeNotFound  = define(CodeFreezeNotFound, http.StatusNotFound, "freeze record not found")
	ErrModelNotFound   = define(CodeModelNotFound, http.StatusNotFound, "model not priced")

	ErrInsufficientBalance   = define(CodeInsufficientBalance, http.StatusPaymentRequired, "insufficient balance")
	ErrConcurrencyExhausted  = retryable(define(CodeConcurrencyExhausted, http.StatusConflict, "account busy, please retry"))
	ErrContentBlocked        = define(CodeContentBlocked, http.StatusUnprocessableEntity, "content blocked")
	ErrGenerationFailed      = define(CodeGenerationFailed, http.StatusBadGateway, "generation failed, charge refunded")
	ErrModerationUnavailable = retryable(define(CodeModerationUnavailable, http.StatusServiceUnavailable, "moderation unavailable"))
)

// From 取错误链上的第一个 AppError
func From(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
