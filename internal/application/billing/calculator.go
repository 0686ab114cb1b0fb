// Package billing 提供计费计算与单次请求的计费编排
package billing

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"ai-billing-api/internal/config"
)

var (
	// ErrNegativeTokens token 数为负
	ErrNegativeTokens = errors.New("billing: token count must be non-negative")
	// ErrUnknownModel 模型没有配置费率
	ErrUnknownModel = errors.New("billing: model has no configured rate")
)

// ModelRate 模型费率，全部使用 decimal 避免浮点误差
type ModelRate struct {
	InputWeight    decimal.Decimal
	OutputWeight   decimal.Decimal
	BaseFee        decimal.Decimal
	RateMultiplier decimal.Decimal
}

// NewModelRate 从配置构建费率
func NewModelRate(r config.ModelRate) ModelRate {
	return ModelRate{
		InputWeight:    decimal.NewFromFloat(r.InputWeight),
		OutputWeight:   decimal.NewFromFloat(r.OutputWeight),
		BaseFee:        decimal.NewFromFloat(r.BaseFee),
		RateMultiplier: decimal.NewFromFloat(r.RateMultiplier),
	}
}

// Estimate 预估结果
type Estimate struct {
	Model           string `json:"model"`
	InputTokens     int    `json:"input_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	MaxCost         int64  `json:"max_cost"`
}

// Calculator 无状态的费用计算器
//
//	cost = ceil(((in*input_weight) + (out*output_weight) + base_fee) * rate_multiplier * unit_scale)
type Calculator struct {
	unitScale    decimal.Decimal
	safetyFactor decimal.Decimal
	defaultModel string
	rates        map[string]ModelRate
}

// NewCalculator 创建计算器
func NewCalculator(cfg *config.BillingConfig) *Calculator {
	rates := make(map[string]ModelRate, len(cfg.Models))
	for name, r := range cfg.Models {
		rates[normalizeModel(name)] = NewModelRate(r)
	}
	safety := cfg.SafetyFactor
	if safety < 1 {
		safety = 1.5
	}
	return &Calculator{
		unitScale:    decimal.NewFromFloat(cfg.UnitScale),
		safetyFactor: decimal.NewFromFloat(safety),
		defaultModel: normalizeModel(cfg.DefaultModel),
		rates:        rates,
	}
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// Cost 按实际 token 计算费用，向上取整
func (c *Calculator) Cost(inputTokens, outputTokens int, rate ModelRate) (int64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, ErrNegativeTokens
	}
	return c.cost(decimal.NewFromInt(int64(inputTokens)), decimal.NewFromInt(int64(outputTokens)), rate), nil
}

// EstimateMaxCost 以 max_output_tokens * safety_factor 估算冻结金额
func (c *Calculator) EstimateMaxCost(inputTokens, maxOutputTokens int, rate ModelRate) (int64, error) {
	if inputTokens < 0 || maxOutputTokens < 0 {
		return 0, ErrNegativeTokens
	}
	out := decimal.NewFromInt(int64(maxOutputTokens)).Mul(c.safetyFactor)
	return c.cost(decimal.NewFromInt(int64(inputTokens)), out, rate), nil
}

func (c *Calculator) cost(in, out decimal.Decimal, rate ModelRate) int64 {
	raw := in.Mul(rate.InputWeight).
		Add(out.Mul(rate.OutputWeight)).
		Add(rate.BaseFee).
		Mul(rate.RateMultiplier).
		Mul(c.unitScale).
		Ceil()
	if raw.IsNegative() {
		return 0
	}
	return raw.IntPart()
}

// Rate 查找模型费率，空模型名使用默认模型
// 返回规范化后的模型名
func (c *Calculator) Rate(model string) (ModelRate, string, error) {
	name := normalizeModel(model)
	if name == "" {
		name = c.defaultModel
	}
	rate, ok := c.rates[name]
	if !ok {
		return ModelRate{}, name, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return rate, name, nil
}

// Estimate 对外暴露的预估接口
func (c *Calculator) Estimate(inputTokens, maxOutputTokens int, model string) (*Estimate, error) {
	rate, name, err := c.Rate(model)
	if err != nil {
		return nil, err
	}
	maxCost, err := c.EstimateMaxCost(inputTokens, maxOutputTokens, rate)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Model:           name,
		InputTokens:     inputTokens,
		MaxOutputTokens: maxOutputTokens,
		MaxCost:         maxCost,
	}, nil
}

// EstimateTokens 保守估算文本 token 数：每个字符按一个 token 计，再加少量协议开销
// 对 CJK 文本接近真实值，对英文偏高，冻结金额因此只会偏多不会偏少
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return utf8.RuneCountInString(text) + promptOverheadTokens
}

const promptOverheadTokens = 8
