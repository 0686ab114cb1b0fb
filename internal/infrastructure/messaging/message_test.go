package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ai-billing-api/internal/domain/entity"
)

func TestStreamNaming(t *testing.T) {
	assert.Equal(t, Stream("stream:turn:append:3"), StreamTurnAppend.Partition(3))
	assert.Equal(t, "dlq:stream:turn:append", StreamTurnAppend.DLQStream())
}

func TestTurnEnvelopeCarriesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	raw, err := encodeTurnTask(ctx, &entity.TurnTask{
		ConversationID: "c1",
		RequestID:      "req_1",
		AccountID:      "acct-1",
		UserTurn:       "hi",
		AssistantTurn:  "hello",
	})
	require.NoError(t, err)

	task, err := decodeTurnTask(raw)
	require.NoError(t, err)
	assert.Equal(t, "c1", task.ConversationID)
	assert.Equal(t, "hello", task.AssistantTurn)
	assert.Contains(t, task.TraceCarrier["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestDecodeRejectsUnknownEnvelope(t *testing.T) {
	_, err := decodeTurnTask(`{"v":2,"kind":"turn_append","task":{}}`)
	assert.ErrorIs(t, err, errUnsupportedEnvelope)

	_, err = decodeTurnTask(`{"v":1,"kind":"turn_append"}`)
	assert.ErrorIs(t, err, errUnsupportedEnvelope)

	_, err = decodeTurnTask(`not json`)
	assert.Error(t, err)
}
