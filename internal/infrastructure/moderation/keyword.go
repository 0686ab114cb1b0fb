// Package moderation 提供内容审核网关实现
package moderation

import (
	"context"
	"sort"
	"strings"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/service"
)

// KeywordModerator 按分类关键词做大小写无关的子串匹配
type KeywordModerator struct {
	categories []category
}

type category struct {
	name     string
	keywords []string
}

func NewKeywordModerator(categories map[string][]string) *KeywordModerator {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	// 命中多个分类时结果稳定
	sort.Strings(names)

	m := &KeywordModerator{}
	for _, name := range names {
		c := category{name: name}
		for _, kw := range categories[name] {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				c.keywords = append(c.keywords, kw)
			}
		}
		if len(c.keywords) > 0 {
			m.categories = append(m.categories, c)
		}
	}
	return m
}

func (m *KeywordModerator) Check(ctx context.Context, text string) (service.ModerationVerdict, error) {
	if err := ctx.Err(); err != nil {
		return service.ModerationVerdict{}, err
	}
	lower := strings.ToLower(text)
	for _, c := range m.categories {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return service.ModerationVerdict{Pass: false, Category: c.name, Reason: "matched keyword: " + kw}, nil
			}
		}
	}
	return service.ModerationVerdict{Pass: true}, nil
}

// AllowAll 关闭审核时使用
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (service.ModerationVerdict, error) {
	return service.ModerationVerdict{Pass: true}, nil
}

// New 按配置创建审核网关
func New(cfg *config.ModerationConfig) service.Moderator {
	if !cfg.Enabled {
		return AllowAll{}
	}
	return NewKeywordModerator(cfg.Categories)
}
