package service

import "context"

// ModerationVerdict 审核结论
type ModerationVerdict struct {
	Pass     bool
	Category string
	Reason   string
}

// Moderator 内容审核网关，对输入和输出分别调用
type Moderator interface {
	Check(ctx context.Context, text string) (ModerationVerdict, error)
}
