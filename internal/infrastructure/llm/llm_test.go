package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/service"
)

func drain(t *testing.T, st service.ChunkStream) (string, *service.GenerationChunk) {
	t.Helper()
	defer st.Close()
	var b strings.Builder
	var last *service.GenerationChunk
	for {
		c, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), last
		}
		require.NoError(t, err)
		b.WriteString(c.Delta)
		last = c
	}
}

func TestEchoProviderStreamsWithUsage(t *testing.T) {
	p := NewEchoProvider()
	st, err := p.Stream(context.Background(), service.GenerationRequest{Prompt: "你好，世界！hello world", MaxOutputTokens: 100})
	require.NoError(t, err)

	text, last := drain(t, st)
	assert.Equal(t, "你好，世界！hello world", text)
	assert.Equal(t, 17, last.InputTokens)
	assert.Equal(t, 17, last.OutputTokens)
	assert.Equal(t, "stop", last.FinishReason)
}

func TestEchoProviderTruncatesToMaxOutput(t *testing.T) {
	st, err := NewEchoProvider().Stream(context.Background(), service.GenerationRequest{Prompt: "abcdefghij", MaxOutputTokens: 4})
	require.NoError(t, err)
	text, last := drain(t, st)
	assert.Equal(t, "abcd", text)
	assert.Equal(t, 4, last.OutputTokens)
}

func TestEchoProviderHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st, err := NewEchoProvider().Stream(ctx, service.GenerationRequest{Prompt: "abc"})
	require.NoError(t, err)
	cancel()
	_, err = st.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEinoStreamMapsUsage(t *testing.T) {
	reader := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "hi"},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 12, CompletionTokens: 3},
		}},
	})
	text, last := drain(t, &einoStream{reader: reader})
	assert.Equal(t, "hi", text)
	assert.Equal(t, 12, last.InputTokens)
	assert.Equal(t, 3, last.OutputTokens)
}

func TestNewProviderSelectsEcho(t *testing.T) {
	cfg := &config.Config{}
	p := NewProvider(cfg, NewEinoFactory(cfg))
	assert.Equal(t, EchoProviderName, p.Name())

	cfg.LLM.DefaultProvider = "openai"
	p = NewProvider(cfg, NewEinoFactory(cfg))
	assert.Equal(t, "openai", p.Name())
}

func TestEinoFactoryCachesModels(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1", Model: "gpt-4o-mini", MaxTokens: 256},
	}
	f := NewEinoFactory(cfg)

	_, err := f.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	first, err := f.Get(context.Background(), "openai")
	require.NoError(t, err)
	second, err := f.Get(context.Background(), "openai")
	require.NoError(t, err)
	assert.Same(t, first, second)
}
