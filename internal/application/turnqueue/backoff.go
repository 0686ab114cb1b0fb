// Package turnqueue 对话轮次的异步持久化：分区 FIFO 消费、原地重试与死信
package turnqueue

import (
	"time"

	"ai-billing-api/internal/config"
)

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig 默认退避配置
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}
}

func backoffFromConfig(c config.BackoffConfig) BackoffConfig {
	b := BackoffConfig{Initial: c.Initial, Max: c.Max, Multiplier: c.Multiplier}
	if b.Initial <= 0 {
		return DefaultBackoffConfig()
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	return b
}

// CalculateBackoff 计算第 retryCount 次重试前的等待时间
func (c BackoffConfig) CalculateBackoff(retryCount int) time.Duration {
	backoff := c.Initial
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.Max {
			backoff = c.Max
			break
		}
	}
	return backoff
}
