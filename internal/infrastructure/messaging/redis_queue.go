// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/metrics"
)

var tracer = otel.Tracer("messaging")

// 租约续期：仅持有者可续期或释放
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisQueueConfig Redis Stream 队列配置
type RedisQueueConfig struct {
	// Stream 流名前缀，默认 StreamTurnAppend
	Stream       Stream
	Partitions   int
	MaxLen       int64
	Group        ConsumerGroup
	ConsumerName string
	// LeaseTTL 分区租约有效期，同一时刻只有一个消费者处理一个分区
	LeaseTTL time.Duration
}

type partitionLease struct {
	held      bool
	renewedAt time.Time
}

// RedisTurnQueue 基于 Redis Streams 的分区 FIFO 队列
// 每个分区一条流；消费者组保证投递未确认前不会丢失，分区租约保证分区内单消费者
type RedisTurnQueue struct {
	client *redis.Client
	stream Stream
	cfg    RedisQueueConfig

	mu     sync.Mutex
	leases []partitionLease
}

// NewRedisTurnQueue 创建队列
func NewRedisTurnQueue(client *redis.Client, cfg RedisQueueConfig) *RedisTurnQueue {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if cfg.Group == "" {
		cfg.Group = ConsumerGroupTurnWriter
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.Stream == "" {
		cfg.Stream = StreamTurnAppend
	}
	return &RedisTurnQueue{
		client: client,
		stream: cfg.Stream,
		cfg:    cfg,
		leases: make([]partitionLease, cfg.Partitions),
	}
}

func (q *RedisTurnQueue) Partitions() int {
	return q.cfg.Partitions
}

// EnsureGroups 确保每个分区的消费者组存在
func (q *RedisTurnQueue) EnsureGroups(ctx context.Context) error {
	for p := 0; p < q.cfg.Partitions; p++ {
		err := q.client.XGroupCreateMkStream(ctx, string(q.stream.Partition(p)), string(q.cfg.Group), "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for partition %d: %w", p, err)
		}
	}
	return nil
}

// Push 追加任务到会话所属分区的流尾
func (q *RedisTurnQueue) Push(ctx context.Context, task *entity.TurnTask) error {
	partition := service.PartitionFor(task.ConversationID, q.cfg.Partitions)
	stream := q.stream.Partition(partition)

	ctx, span := tracer.Start(ctx, "queue.Push",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("request_id", task.RequestID),
		))
	defer span.End()

	data, err := encodeTurnTask(ctx, task)
	if err != nil {
		span.RecordError(err)
		return err
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{envelopeField: data},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to push turn task: %w", err)
	}

	task.Partition = partition
	task.DeliveryID = id
	span.SetAttributes(attribute.String("stream.message_id", id))
	return nil
}

// Pop 先取本消费者未确认的历史投递，再阻塞读取新消息
func (q *RedisTurnQueue) Pop(ctx context.Context, partition int, timeout time.Duration) (*entity.TurnTask, error) {
	owned, err := q.ensureLease(ctx, partition)
	if err != nil {
		return nil, err
	}
	if !owned {
		// 分区由其他消费者持有，等待后再试
		wait := min(timeout, q.cfg.LeaseTTL/3)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		return nil, service.ErrQueueEmpty
	}

	stream := string(q.stream.Partition(partition))

	pending, err := q.read(ctx, stream, "0", -1)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		task, err := q.decode(ctx, partition, *pending)
		if err != nil {
			return nil, err
		}
		if delivered := q.deliveryCount(ctx, stream, pending.ID); delivered-1 > task.RetryCount {
			task.RetryCount = delivered - 1
		}
		return task, nil
	}

	fresh, err := q.read(ctx, stream, ">", timeout)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, service.ErrQueueEmpty
	}
	return q.decode(ctx, partition, *fresh)
}

func (q *RedisTurnQueue) read(ctx context.Context, stream, id string, block time.Duration) (*redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    string(q.cfg.Group),
		Consumer: q.cfg.ConsumerName,
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

// decode 解析失败的消息直接移入死信，避免阻塞分区
func (q *RedisTurnQueue) decode(ctx context.Context, partition int, xmsg redis.XMessage) (*entity.TurnTask, error) {
	raw, _ := xmsg.Values[envelopeField].(string)
	task, err := decodeTurnTask(raw)
	if err == nil {
		task.Partition = partition
		task.DeliveryID = xmsg.ID
		return task, nil
	}

	logger.Error(ctx, "invalid turn task message, dead-lettering", err, "message_id", xmsg.ID)
	stream := q.stream.Partition(partition)
	_ = q.addDLQ(ctx, stream, raw, err)
	_ = q.ack(ctx, stream, xmsg.ID)
	return nil, service.ErrQueueEmpty
}

// deliveryCount 通过 XPENDING 获取消息的投递次数
func (q *RedisTurnQueue) deliveryCount(ctx context.Context, stream, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  string(q.cfg.Group),
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (q *RedisTurnQueue) Ack(ctx context.Context, task *entity.TurnTask) error {
	stream := q.stream.Partition(task.Partition)
	if err := q.client.XAck(ctx, string(stream), string(q.cfg.Group), task.DeliveryID).Err(); err != nil {
		return fmt.Errorf("failed to ack turn task: %w", err)
	}
	metrics.RedisStreamProcessed.WithLabelValues(string(stream), "ok").Inc()
	return nil
}

// DeadLetter 写入死信流后确认原消息
func (q *RedisTurnQueue) DeadLetter(ctx context.Context, task *entity.TurnTask, reason error) error {
	stream := q.stream.Partition(task.Partition)
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := q.addDLQ(ctx, stream, string(data), reason); err != nil {
		return err
	}
	metrics.RedisStreamProcessed.WithLabelValues(string(stream), "dead_letter").Inc()
	return q.ack(ctx, stream, task.DeliveryID)
}

func (q *RedisTurnQueue) addDLQ(ctx context.Context, stream Stream, data string, reason error) error {
	errText := ""
	if reason != nil {
		errText = reason.Error()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream.DLQStream(),
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"original_stream": string(stream),
			"data":            data,
			"error":           errText,
			"failed_at":       time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return nil
}

func (q *RedisTurnQueue) ack(ctx context.Context, stream Stream, id string) error {
	if err := q.client.XAck(ctx, string(stream), string(q.cfg.Group), id).Err(); err != nil {
		logger.Error(ctx, "failed to ack message", err, "message_id", id)
		return err
	}
	return nil
}

func (q *RedisTurnQueue) leaseKey(partition int) string {
	return "lease:" + string(q.stream.Partition(partition))
}

// ensureLease 获取或续期分区租约；新获得租约时接管前任消费者的未确认消息
func (q *RedisTurnQueue) ensureLease(ctx context.Context, partition int) (bool, error) {
	q.mu.Lock()
	lease := q.leases[partition]
	q.mu.Unlock()

	key := q.leaseKey(partition)
	ttl := q.cfg.LeaseTTL
	now := time.Now()

	if lease.held {
		if now.Sub(lease.renewedAt) < ttl/3 {
			return true, nil
		}
		n, err := renewLeaseScript.Run(ctx, q.client, []string{key}, q.cfg.ConsumerName, ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("failed to renew partition lease: %w", err)
		}
		if n == 1 {
			q.setLease(partition, partitionLease{held: true, renewedAt: now})
			return true, nil
		}
		logger.Warn(ctx, "partition lease lost", "partition", partition, "consumer", q.cfg.ConsumerName)
		q.setLease(partition, partitionLease{})
	}

	ok, err := q.client.SetNX(ctx, key, q.cfg.ConsumerName, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire partition lease: %w", err)
	}
	if !ok {
		return false, nil
	}
	q.setLease(partition, partitionLease{held: true, renewedAt: now})
	logger.Info(ctx, "partition lease acquired", "partition", partition, "consumer", q.cfg.ConsumerName)
	q.claimOrphans(ctx, partition)
	return true, nil
}

func (q *RedisTurnQueue) setLease(partition int, l partitionLease) {
	q.mu.Lock()
	q.leases[partition] = l
	q.mu.Unlock()
}

// claimOrphans 把分区内其他消费者遗留的未确认消息转到本消费者名下
func (q *RedisTurnQueue) claimOrphans(ctx context.Context, partition int) {
	stream := string(q.stream.Partition(partition))
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    string(q.cfg.Group),
			Consumer: q.cfg.ConsumerName,
			MinIdle:  0,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			logger.Error(ctx, "failed to claim orphaned messages", err, "stream", stream)
			return
		}
		if len(msgs) > 0 {
			logger.Info(ctx, "claimed orphaned turn tasks", "stream", stream, "count", len(msgs))
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// Close 释放持有的分区租约
func (q *RedisTurnQueue) Close(ctx context.Context) {
	for p := 0; p < q.cfg.Partitions; p++ {
		q.mu.Lock()
		held := q.leases[p].held
		q.leases[p] = partitionLease{}
		q.mu.Unlock()
		if !held {
			continue
		}
		if err := releaseLeaseScript.Run(ctx, q.client, []string{q.leaseKey(p)}, q.cfg.ConsumerName).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.Warn(ctx, "failed to release partition lease", "partition", p, "error", err.Error())
		}
	}
}

// MonitorLag 定期上报各分区消费滞后与死信长度
func (q *RedisTurnQueue) MonitorLag(ctx context.Context, interval time.Duration, dlqAlertThreshold int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for p := 0; p < q.cfg.Partitions; p++ {
				stream := string(q.stream.Partition(p))
				groups, err := q.client.XInfoGroups(ctx, stream).Result()
				if err != nil {
					continue
				}
				for _, g := range groups {
					if g.Name == string(q.cfg.Group) {
						metrics.RedisStreamLag.WithLabelValues(stream, g.Name).Set(float64(g.Lag))
					}
				}
			}

			dlq := q.stream.DLQStream()
			n, err := q.client.XLen(ctx, dlq).Result()
			if err == nil && n > dlqAlertThreshold {
				logger.Warn(ctx, "DLQ has pending messages", "stream", dlq, "count", n)
			}
		}
	}
}

// Backlog 消费组尚未读取的条目与已投递未确认的条目之和
func (q *RedisTurnQueue) Backlog(ctx context.Context, partition int) (int64, error) {
	stream := string(q.stream.Partition(partition))
	groups, err := q.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect stream %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == string(q.cfg.Group) {
			return g.Lag + g.Pending, nil
		}
	}
	return q.client.XLen(ctx, stream).Result()
}

// HealthCheck 检查 Redis 可达
func (q *RedisTurnQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
