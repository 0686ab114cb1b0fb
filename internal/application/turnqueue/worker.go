package turnqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/metrics"
	"ai-billing-api/pkg/tracer"
)

const (
	defaultMaxRetries = 3
	defaultPopTimeout = time.Second
)

// WorkerConfig 消费者配置
type WorkerConfig struct {
	MaxRetries int
	PopTimeout time.Duration
	Backoff    BackoffConfig
}

// WriteQueue 每个分区一个消费协程，分区内按序处理
type WriteQueue struct {
	queue      service.TurnTaskQueue
	persister  Persister
	maxRetries int
	popTimeout time.Duration
	backoff    BackoffConfig

	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWriteQueue(queue service.TurnTaskQueue, persister Persister, cfg WorkerConfig) *WriteQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &WriteQueue{
		queue:      queue,
		persister:  persister,
		maxRetries: cfg.MaxRetries,
		popTimeout: cfg.PopTimeout,
		backoff:    cfg.Backoff,
		sleep:      sleepCtx,
	}
}

// NewWriteQueueFromConfig 基于队列配置创建
func NewWriteQueueFromConfig(queue service.TurnTaskQueue, persister Persister, cfg *config.QueueConfig) *WriteQueue {
	return NewWriteQueue(queue, persister, WorkerConfig{
		MaxRetries: cfg.MaxRetries,
		PopTimeout: cfg.PopTimeout,
		Backoff:    backoffFromConfig(cfg.Backoff),
	})
}

// Start 启动全部分区的消费循环，阻塞到 ctx 取消
func (w *WriteQueue) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < w.queue.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			return w.runPartition(gctx, partition)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *WriteQueue) runPartition(ctx context.Context, partition int) error {
	log := logger.FromContext(ctx).With("partition", partition)
	log.Info("turn writer started")

	for {
		if ctx.Err() != nil {
			log.Info("turn writer stopped")
			return ctx.Err()
		}

		task, err := w.queue.Pop(ctx, partition, w.popTimeout)
		if err != nil {
			if errors.Is(err, service.ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to pop turn task", "error", err)
			if err := w.sleep(ctx, w.backoff.Initial); err != nil {
				return err
			}
			continue
		}

		w.process(ctx, partition, task)
	}
}

// process 处理单个任务：失败时原地重试，保证同一会话后续任务不会越过它
func (w *WriteQueue) process(ctx context.Context, partition int, task *entity.TurnTask) entity.TurnTaskState {
	ctx = logger.WithContext(ctx, logger.ConversationIDKey, task.ConversationID)
	ctx = logger.WithContext(ctx, logger.BillingIDKey, task.RequestID)
	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.Int("partition", partition),
		attribute.String("conversation_id", task.ConversationID),
		attribute.String("request_id", task.RequestID),
	)}
	// 关联到入队时的请求链路，消费 span 自身仍为新的根
	if len(task.TraceCarrier) > 0 {
		producer := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(task.TraceCarrier))
		if sc := trace.SpanContextFromContext(producer); sc.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
		}
	}
	ctx, span := tracer.Start(ctx, "turnqueue.process", opts...)
	defer span.End()

	log := logger.FromContext(ctx)
	label := strconv.Itoa(partition)

	for {
		err := w.persister.Persist(ctx, task)
		if err == nil {
			if ackErr := w.queue.Ack(ctx, task); ackErr != nil {
				log.Error("failed to ack turn task", "error", ackErr)
			}
			metrics.RedisStreamProcessed.WithLabelValues("turn_append", "success").Inc()
			return entity.TurnTaskDone
		}

		if task.RetryCount >= w.maxRetries || errors.Is(err, ErrInvalidTurnTask) {
			tracer.Fail(span, err)
			log.Error("ALERT turn task dead-lettered after max retries",
				"error", err,
				"retry_count", task.RetryCount,
			)
			if dlqErr := w.queue.DeadLetter(ctx, task, err); dlqErr != nil {
				log.Error("failed to dead-letter turn task", "error", dlqErr)
			}
			metrics.TurnQueueDeadLetterTotal.WithLabelValues(label).Inc()
			metrics.RedisStreamProcessed.WithLabelValues("turn_append", "dead_letter").Inc()
			return entity.TurnTaskDeadLettered
		}

		task.RetryCount++
		metrics.TurnQueueRetriesTotal.WithLabelValues(label).Inc()
		delay := w.backoff.CalculateBackoff(task.RetryCount - 1)
		log.Warn("turn task persist failed, retrying",
			"error", err,
			"retry_count", task.RetryCount,
			"backoff", delay,
		)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			// 未 ack，重启后由队列重新投递
			return entity.TurnTaskRequeued
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
