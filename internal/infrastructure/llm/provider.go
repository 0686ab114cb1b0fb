package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/service"
)

// EchoProviderName 本地回显 provider，不访问外部服务
const EchoProviderName = "echo"

// EinoProvider 基于 Eino ChatModel 的流式生成
// 计费模型名仅用于定价，上游模型以 provider 配置为准
type EinoProvider struct {
	factory *EinoFactory
	name    string
}

func NewEinoProvider(factory *EinoFactory, name string) *EinoProvider {
	return &EinoProvider{factory: factory, name: name}
}

func (p *EinoProvider) Name() string {
	return p.name
}

func (p *EinoProvider) Stream(ctx context.Context, req service.GenerationRequest) (service.ChunkStream, error) {
	chatModel, err := p.factory.Get(ctx, p.name)
	if err != nil {
		return nil, err
	}

	// 直接调用组件时需要显式挂载全局 callbacks
	ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      p.name,
		Type:      "OpenAI",
		Component: components.ComponentOfChatModel,
	})

	msgs := []*schema.Message{schema.UserMessage(req.Prompt)}
	reader, err := chatModel.Stream(ctx, msgs, buildModelOptions(req)...)
	if err != nil {
		if reader != nil {
			reader.Close()
		}
		return nil, fmt.Errorf("llm stream %s: %w", p.name, err)
	}
	return &einoStream{reader: reader}, nil
}

func buildModelOptions(req service.GenerationRequest) []model.Option {
	opts := make([]model.Option, 0, 2)
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxOutputTokens))
	}
	return opts
}

// einoStream 约定：流可能在最后返回一个 Content 为空但包含 Usage 的消息，用于 Token 统计
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (*service.GenerationChunk, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		return nil, err
	}
	chunk := &service.GenerationChunk{Delta: msg.Content}
	if msg.ResponseMeta != nil {
		chunk.FinishReason = msg.ResponseMeta.FinishReason
		if msg.ResponseMeta.Usage != nil {
			chunk.InputTokens = msg.ResponseMeta.Usage.PromptTokens
			chunk.OutputTokens = msg.ResponseMeta.Usage.CompletionTokens
		}
	}
	return chunk, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}

// NewProvider 按配置选择默认 provider
func NewProvider(cfg *config.Config, factory *EinoFactory) service.GenerationProvider {
	name := strings.TrimSpace(cfg.LLM.DefaultProvider)
	if name == "" || name == EchoProviderName {
		return NewEchoProvider()
	}
	return NewEinoProvider(factory, name)
}
