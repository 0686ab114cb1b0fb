package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/service"
)

// messageWriter kafka.Writer 的最小抽象
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBillingPublisher 以 account_id 为 key 发布计费事件，同一账户的事件落在同一分区
type KafkaBillingPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaBillingPublisher 创建发布者
func NewKafkaBillingPublisher(cfg config.KafkaConfig) *KafkaBillingPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaBillingPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

func (p *KafkaBillingPublisher) Publish(ctx context.Context, event service.BillingEvent) error {
	ctx, span := tracer.Start(ctx, "kafka.PublishBillingEvent")
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AccountID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(event.RequestID)},
			{Key: "outcome", Value: []byte(event.Outcome)},
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish billing event: %w", err)
	}
	return nil
}

func (p *KafkaBillingPublisher) Close() error {
	return p.writer.Close()
}

// NoopBillingPublisher 未启用事件外发时使用
type NoopBillingPublisher struct{}

func (NoopBillingPublisher) Publish(context.Context, service.BillingEvent) error {
	return nil
}
