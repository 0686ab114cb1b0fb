package turnqueue

import (
	"context"
	"fmt"
	"time"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/metrics"
)

// Writer 提交一次已完成的轮次
type Writer interface {
	Write(ctx context.Context, task *entity.TurnTask) error
}

// DirectWriter 同步持久化
type DirectWriter struct {
	persister Persister
}

func NewDirectWriter(persister Persister) *DirectWriter {
	return &DirectWriter{persister: persister}
}

func (w *DirectWriter) Write(ctx context.Context, task *entity.TurnTask) error {
	return w.persister.Persist(ctx, task)
}

// QueuedWriter 入队异步持久化
// 入队失败时退避重试，仍失败且分区已排空才降级为同步写入
type QueuedWriter struct {
	queue    service.TurnTaskQueue
	fallback *DirectWriter
	backoff  BackoffConfig
	attempts int
	sleep    func(context.Context, time.Duration) error
}

func NewQueuedWriter(queue service.TurnTaskQueue, fallback *DirectWriter) *QueuedWriter {
	return &QueuedWriter{
		queue:    queue,
		fallback: fallback,
		backoff:  BackoffConfig{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2},
		attempts: 4,
		sleep:    sleepCtx,
	}
}

func (w *QueuedWriter) Write(ctx context.Context, task *entity.TurnTask) error {
	if task.EnqueueTime.IsZero() {
		task.EnqueueTime = time.Now()
	}
	err := w.push(ctx, task)
	if err == nil {
		return nil
	}
	if w.fallback == nil {
		return err
	}

	log := logger.FromContext(ctx)
	// 同分区还有未落库的任务时直写会抢到更小的 seq
	if backlog := w.backlog(ctx, task); backlog != 0 {
		log.Error("ALERT turn enqueue failed with partition backlog, turn not persisted",
			"error", err,
			"backlog", backlog,
			"conversation_id", task.ConversationID,
			"request_id", task.RequestID,
		)
		return fmt.Errorf("%w: %v", ErrPartitionBacklog, err)
	}

	log.Warn("turn enqueue failed, falling back to direct write",
		"error", err,
		"conversation_id", task.ConversationID,
		"request_id", task.RequestID,
	)
	metrics.TurnQueueFallbackTotal.Inc()
	return w.fallback.Write(ctx, task)
}

func (w *QueuedWriter) push(ctx context.Context, task *entity.TurnTask) error {
	var err error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := w.sleep(ctx, w.backoff.CalculateBackoff(attempt-1)); sleepErr != nil {
				return err
			}
		}
		if err = w.queue.Push(ctx, task); err == nil {
			return nil
		}
	}
	return err
}

// backlog 队列不支持查询时视为已排空，查询失败返回 -1
func (w *QueuedWriter) backlog(ctx context.Context, task *entity.TurnTask) int64 {
	b, ok := w.queue.(service.TurnQueueBacklog)
	if !ok {
		return 0
	}
	n, err := b.Backlog(ctx, service.PartitionFor(task.ConversationID, w.queue.Partitions()))
	if err != nil {
		return -1
	}
	return n
}

// NewWriter 按配置选择写入策略
func NewWriter(cfg *config.QueueConfig, queue service.TurnTaskQueue, persister Persister) Writer {
	direct := NewDirectWriter(persister)
	if cfg.Mode == config.QueueModeDirect || queue == nil {
		return direct
	}
	return NewQueuedWriter(queue, direct)
}
