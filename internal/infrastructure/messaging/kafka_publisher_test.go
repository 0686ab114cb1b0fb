package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaBillingPublisherKeysByAccount(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaBillingPublisher{writer: w, timeout: time.Second}

	evt := service.BillingEvent{
		RequestID: "req_1",
		AccountID: "acct-1",
		Outcome:   entity.SpendOutcomeSettled,
		Frozen:    150,
		Charged:   90,
	}
	require.NoError(t, p.Publish(context.Background(), evt))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "acct-1", string(msg.Key))

	var got service.BillingEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, int64(90), got.Charged)
	assert.Equal(t, "request_id", msg.Headers[0].Key)
	assert.Equal(t, "req_1", string(msg.Headers[0].Value))
}
