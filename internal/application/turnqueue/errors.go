package turnqueue

import "errors"

var (
	// ErrInvalidTurnTask 任务缺少会话或请求标识，重试无意义
	ErrInvalidTurnTask = errors.New("turnqueue: invalid turn task")
	// ErrPartitionBacklog 入队失败且分区仍有未落库的任务，直写会打乱会话顺序
	ErrPartitionBacklog = errors.New("turnqueue: enqueue failed while partition has backlog")
)
