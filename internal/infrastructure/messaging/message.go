// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ai-billing-api/internal/domain/entity"
)

// Stream 流名；按分区拆分为多个 Redis Stream
type Stream string

const StreamTurnAppend Stream = "stream:turn:append"

// Partition 分区流名称，例如 stream:turn:append:3
func (s Stream) Partition(n int) Stream {
	return Stream(fmt.Sprintf("%s:%d", s, n))
}

// DLQStream 所有分区共用一个死信流
func (s Stream) DLQStream() string {
	return "dlq:" + string(s)
}

// ConsumerGroup 消费者组
type ConsumerGroup string

const ConsumerGroupTurnWriter ConsumerGroup = "cg-turn-writer"

const (
	envelopeVersion = 1
	kindTurnAppend  = "turn_append"
	// envelopeField 流消息中保存信封的字段
	envelopeField = "data"
)

var errUnsupportedEnvelope = errors.New("unsupported turn envelope")

// turnEnvelope 流消息体，trace 保存生产方的 W3C 追踪上下文
type turnEnvelope struct {
	Version    int               `json:"v"`
	Kind       string            `json:"kind"`
	Task       *entity.TurnTask  `json:"task"`
	Trace      map[string]string `json:"trace,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// encodeTurnTask 序列化任务并注入当前 span 的追踪上下文
func encodeTurnTask(ctx context.Context, task *entity.TurnTask) (string, error) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	env := turnEnvelope{
		Version:    envelopeVersion,
		Kind:       kindTurnAppend,
		Task:       task,
		EnqueuedAt: time.Now().UTC(),
	}
	if len(carrier) > 0 {
		env.Trace = carrier
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal turn envelope %s: %w", task.RequestID, err)
	}
	return string(data), nil
}

// decodeTurnTask 版本或类型不符、缺少任务体均视为无效消息
func decodeTurnTask(raw string) (*entity.TurnTask, error) {
	var env turnEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("unmarshal turn envelope: %w", err)
	}
	if env.Version != envelopeVersion || env.Kind != kindTurnAppend || env.Task == nil {
		return nil, fmt.Errorf("%w: v=%d kind=%q", errUnsupportedEnvelope, env.Version, env.Kind)
	}
	env.Task.TraceCarrier = env.Trace
	return env.Task, nil
}
