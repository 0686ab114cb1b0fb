package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrModerationRejected 内容审核不通过；输入阶段不扣费，输出阶段按比例扣罚
	ErrModerationRejected = errors.New("billing: content rejected by moderation")
	// ErrModerationUnavailable 审核服务不可用，请求在冻结前中止
	ErrModerationUnavailable = errors.New("billing: moderation unavailable")
	// ErrProviderTransport 上游生成失败，冻结已全额退回
	ErrProviderTransport = errors.New("billing: generation provider failed")
	// ErrGenerationTimeout 上游生成超时，已输出部分按用量结算
	ErrGenerationTimeout = errors.New("billing: generation timed out")
	// ErrRequestInProgress 同一 request_id 的另一次调用仍在进行
	ErrRequestInProgress = errors.New("billing: request already in progress")
	// ErrRequestCancelled 调用方在生成过程中断开
	ErrRequestCancelled = errors.New("billing: request cancelled by caller")
)

// RejectionError 审核拒绝详情
type RejectionError struct {
	Stage    string // input / output
	Category string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("content rejected at %s moderation: category=%s reason=%s", e.Stage, e.Category, e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrModerationRejected
}
