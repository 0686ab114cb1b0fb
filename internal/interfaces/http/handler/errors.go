// Package handler 提供 HTTP 请求处理器
package handler

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"

	"ai-billing-api/internal/application/billing"
	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/interfaces/http/dto"
	"ai-billing-api/pkg/errors"
	"ai-billing-api/pkg/logger"
)

// toAppError 将领域错误映射为对外错误码
func toAppError(err error) *errors.AppError {
	if appErr, ok := errors.From(err); ok {
		return appErr
	}

	var rejection *billing.RejectionError
	switch {
	case stderrors.Is(err, ledger.ErrInsufficientBalance):
		return errors.ErrInsufficientBalance.WithError(err)
	case stderrors.Is(err, ledger.ErrConcurrencyExhausted):
		return errors.ErrConcurrencyExhausted.WithError(err)
	case stderrors.As(err, &rejection):
		return errors.ErrContentBlocked.WithDetail(rejection.Stage + ":" + rejection.Category).WithError(err)
	case stderrors.Is(err, billing.ErrModerationRejected):
		return errors.ErrContentBlocked.WithError(err)
	case stderrors.Is(err, billing.ErrGenerationTimeout):
		return errors.ErrGenerationFailed.WithMessage("generation timed out, partial output charged").WithError(err)
	case stderrors.Is(err, billing.ErrProviderTransport):
		return errors.ErrGenerationFailed.WithError(err)
	case stderrors.Is(err, billing.ErrModerationUnavailable):
		return errors.ErrModerationUnavailable.WithError(err)
	case stderrors.Is(err, billing.ErrRequestInProgress):
		return errors.ErrConflict.WithDetail("request with the same idempotency key is still running").WithError(err)
	case stderrors.Is(err, billing.ErrUnknownModel):
		return errors.ErrModelNotFound.WithError(err)
	case stderrors.Is(err, ledger.ErrAccountNotFound):
		return errors.ErrAccountNotFound.WithError(err)
	case stderrors.Is(err, ledger.ErrFreezeNotFound):
		return errors.ErrFreezeNotFound.WithError(err)
	case stderrors.Is(err, ledger.ErrInvalidAmount), stderrors.Is(err, billing.ErrNegativeTokens):
		return errors.ErrInvalidParam.WithDetail(err.Error()).WithError(err)
	}
	return errors.ErrInternalError.WithError(err)
}

// writeError 输出统一错误响应，5xx 记录错误日志
func writeError(c *gin.Context, err error, msg string) {
	appErr := toAppError(err)
	if appErr.Code == errors.CodeInternalError {
		logger.Error(c.Request.Context(), msg, err)
	}
	dto.AppError(c, appErr)
}

// accountID 读取鉴权中间件注入的账户
func accountID(c *gin.Context) string {
	return c.GetString("account_id")
}
