package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillingErrorsMapToHTTPStatus(t *testing.T) {
	cases := map[*AppError]int{
		ErrInsufficientBalance:   http.StatusPaymentRequired,
		ErrConcurrencyExhausted:  http.StatusConflict,
		ErrContentBlocked:        http.StatusUnprocessableEntity,
		ErrGenerationFailed:      http.StatusBadGateway,
		ErrAccountNotFound:       http.StatusNotFound,
		ErrModerationUnavailable: http.StatusServiceUnavailable,
		ErrTokenMissing:          http.StatusUnauthorized,
	}
	for e, status := range cases {
		assert.Equal(t, status, e.HTTPStatus, "code %s", e.Code)
	}
}

func TestRetryableOnlyWhenNoMoneyMoved(t *testing.T) {
	assert.True(t, ErrConcurrencyExhausted.Retryable())
	assert.True(t, ErrModerationUnavailable.WithDetail("timeout").Retryable())
	assert.False(t, ErrGenerationFailed.Retryable())
	assert.False(t, ErrInsufficientBalance.Retryable())
}

func TestCopiesDoNotMutatePredefined(t *testing.T) {
	cause := stderrors.New("boom")
	e := ErrInsufficientBalance.WithError(cause).WithDetail("need 150")

	assert.Nil(t, ErrInsufficientBalance.Err)
	assert.Empty(t, ErrInsufficientBalance.Detail)
	assert.ErrorIs(t, e, cause)
	assert.ErrorIs(t, e, ErrInsufficientBalance)
	assert.NotErrorIs(t, e, ErrContentBlocked)
}

func TestFromUnwrapsChain(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", ErrContentBlocked.WithDetail("output:violence"))

	appErr, ok := From(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeContentBlocked, appErr.Code)
	assert.Equal(t, "output:violence", appErr.Detail)

	_, ok = From(stderrors.New("plain"))
	assert.False(t, ok)
}
