package service

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"ai-billing-api/internal/domain/entity"
)

// ErrQueueEmpty Pop 在超时内没有取到任务
var ErrQueueEmpty = errors.New("turn queue: no task available")

// TurnTaskQueue 按会话分区的持久 FIFO 队列
// 同一 conversation_id 总是落到同一分区，单分区内严格先进先出
type TurnTaskQueue interface {
	Partitions() int
	Push(ctx context.Context, task *entity.TurnTask) error
	// Pop 阻塞最多 timeout，无任务时返回 ErrQueueEmpty
	Pop(ctx context.Context, partition int, timeout time.Duration) (*entity.TurnTask, error)
	Ack(ctx context.Context, task *entity.TurnTask) error
	// DeadLetter 将任务移入死信队列并确认原投递
	DeadLetter(ctx context.Context, task *entity.TurnTask, reason error) error
}

// TurnQueueBacklog 可选能力：分区内尚未处理完的任务数，含已投递未确认的
type TurnQueueBacklog interface {
	Backlog(ctx context.Context, partition int) (int64, error)
}

// PartitionFor 会话到分区的映射，fnv-1a 取模
func PartitionFor(conversationID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(partitions))
}
