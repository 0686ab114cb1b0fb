// Package llm 提供上游生成服务适配
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"golang.org/x/sync/singleflight"

	"ai-billing-api/internal/config"
)

// ErrProviderNotConfigured llm.providers 中没有该名称
var ErrProviderNotConfigured = errors.New("llm provider not configured")

// EinoFactory 按 provider 名惰性创建并缓存 ChatModel，并发首次访问只创建一次
type EinoFactory struct {
	providers map[string]config.ProviderConfig
	models    sync.Map // name -> model.BaseChatModel
	group     singleflight.Group
}

func NewEinoFactory(cfg *config.Config) *EinoFactory {
	return &EinoFactory{providers: cfg.LLM.Providers}
}

// Get 返回 name 对应的 ChatModel；创建失败不缓存，下次调用重试
func (f *EinoFactory) Get(ctx context.Context, name string) (model.BaseChatModel, error) {
	if m, ok := f.models.Load(name); ok {
		return m.(model.BaseChatModel), nil
	}

	v, err, _ := f.group.Do(name, func() (any, error) {
		if m, ok := f.models.Load(name); ok {
			return m, nil
		}
		pc, ok := f.providers[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
		}
		m, err := openai.NewChatModel(ctx, chatModelConfig(pc))
		if err != nil {
			return nil, fmt.Errorf("create chat model for %s: %w", name, err)
		}
		f.models.Store(name, model.BaseChatModel(m))
		return model.BaseChatModel(m), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.BaseChatModel), nil
}

// chatModelConfig 零值参数交给上游默认
func chatModelConfig(pc config.ProviderConfig) *openai.ChatModelConfig {
	c := &openai.ChatModelConfig{
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Model:   pc.Model,
		Timeout: pc.Timeout,
	}
	if pc.MaxTokens > 0 {
		maxTokens := pc.MaxTokens
		c.MaxTokens = &maxTokens
	}
	if pc.Temperature > 0 {
		temp := float32(pc.Temperature)
		c.Temperature = &temp
	}
	return c
}
