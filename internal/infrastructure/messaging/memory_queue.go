package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
)

// ErrQueueFull 内存分区已满
var ErrQueueFull = errors.New("memory queue: partition full")

const defaultPushWait = 500 * time.Millisecond

// DeadLetter 死信记录
type DeadLetter struct {
	Task     entity.TurnTask
	Reason   string
	FailedAt time.Time
}

// MemoryTurnQueue 进程内分区队列，单进程部署与测试使用，不跨重启持久化
type MemoryTurnQueue struct {
	partitions []chan *entity.TurnTask
	pushWait   time.Duration

	mu       sync.Mutex
	dlq      []DeadLetter
	next     int64
	inflight []int64
}

// MemoryQueueOption 内存队列可选项
type MemoryQueueOption func(*MemoryTurnQueue)

// WithPushWait 分区满时 Push 最多等待的时间
func WithPushWait(d time.Duration) MemoryQueueOption {
	return func(q *MemoryTurnQueue) { q.pushWait = d }
}

// NewMemoryTurnQueue 创建内存队列，buffer 为每个分区容量
func NewMemoryTurnQueue(partitions, buffer int, opts ...MemoryQueueOption) *MemoryTurnQueue {
	if partitions <= 0 {
		partitions = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	q := &MemoryTurnQueue{
		partitions: make([]chan *entity.TurnTask, partitions),
		pushWait:   defaultPushWait,
		inflight:   make([]int64, partitions),
	}
	for i := range q.partitions {
		q.partitions[i] = make(chan *entity.TurnTask, buffer)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryTurnQueue) Partitions() int {
	return len(q.partitions)
}

// Push 分区满时最多等待 pushWait，仍无空位返回 ErrQueueFull
func (q *MemoryTurnQueue) Push(ctx context.Context, task *entity.TurnTask) error {
	p := service.PartitionFor(task.ConversationID, len(q.partitions))

	q.mu.Lock()
	q.next++
	id := q.next
	q.mu.Unlock()

	cp := *task
	cp.Partition = p
	cp.DeliveryID = strconv.FormatInt(id, 10)

	select {
	case q.partitions[p] <- &cp:
	default:
		timer := time.NewTimer(q.pushWait)
		defer timer.Stop()
		select {
		case q.partitions[p] <- &cp:
		case <-timer.C:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	task.Partition = p
	task.DeliveryID = cp.DeliveryID
	return nil
}

func (q *MemoryTurnQueue) Pop(ctx context.Context, partition int, timeout time.Duration) (*entity.TurnTask, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task := <-q.partitions[partition]:
		q.mu.Lock()
		q.inflight[partition]++
		q.mu.Unlock()
		return task, nil
	case <-timer.C:
		return nil, service.ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryTurnQueue) Ack(_ context.Context, task *entity.TurnTask) error {
	q.mu.Lock()
	q.settle(task)
	q.mu.Unlock()
	return nil
}

// settle 调用方持有 mu
func (q *MemoryTurnQueue) settle(task *entity.TurnTask) {
	if task.Partition >= 0 && task.Partition < len(q.inflight) && q.inflight[task.Partition] > 0 {
		q.inflight[task.Partition]--
	}
}

func (q *MemoryTurnQueue) DeadLetter(_ context.Context, task *entity.TurnTask, reason error) error {
	dl := DeadLetter{Task: *task, FailedAt: time.Now()}
	if reason != nil {
		dl.Reason = reason.Error()
	}
	q.mu.Lock()
	q.dlq = append(q.dlq, dl)
	q.settle(task)
	q.mu.Unlock()
	return nil
}

// DeadLetters 返回死信快照
func (q *MemoryTurnQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Len 分区内等待投递的任务数
func (q *MemoryTurnQueue) Len(partition int) int {
	return len(q.partitions[partition])
}

// Backlog 等待投递与已取出未确认的任务总数
func (q *MemoryTurnQueue) Backlog(_ context.Context, partition int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.partitions[partition])) + q.inflight[partition], nil
}
