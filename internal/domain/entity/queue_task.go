// Package entity 定义领域实体
package entity

import "time"

// TurnTask 待持久化的一问一答
type TurnTask struct {
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id"`
	AccountID      string    `json:"account_id"`
	UserTurn       string    `json:"user_turn"`
	AssistantTurn  string    `json:"assistant_turn"`
	EnqueueTime    time.Time `json:"enqueue_time"`
	RetryCount     int       `json:"retry_count"`

	// 传输层字段，不参与序列化
	Partition  int    `json:"-"`
	DeliveryID string `json:"-"`
	// TraceCarrier 生产方追踪上下文，消费时作为 span link
	TraceCarrier map[string]string `json:"-"`
}

// TurnTaskState 任务处理状态
type TurnTaskState string

const (
	TurnTaskPending      TurnTaskState = "pending"
	TurnTaskProcessing   TurnTaskState = "processing"
	TurnTaskDone         TurnTaskState = "done"
	TurnTaskRequeued     TurnTaskState = "requeued"
	TurnTaskDeadLettered TurnTaskState = "dead_lettered"
)
