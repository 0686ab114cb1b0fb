package config

import "time"

// BillingConfig 计费配置
type BillingConfig struct {
	// UnitScale 计费单位到最小货币单位的换算
	UnitScale float64 `mapstructure:"unit_scale"`
	// SafetyFactor 预估输出 token 的放大系数
	SafetyFactor float64 `mapstructure:"safety_factor"`
	// PenaltyFraction 违规扣罚占冻结金额的比例
	PenaltyFraction float64 `mapstructure:"penalty_fraction"`
	DefaultModel    string  `mapstructure:"default_model"`
	// Models 键由 viper 统一转为小写
	Models                 map[string]ModelRate `mapstructure:"models"`
	DefaultMaxOutputTokens int                  `mapstructure:"default_max_output_tokens"`
	Ledger                 LedgerConfig         `mapstructure:"ledger"`
	// SettleTimeout 客户端断开后结算仍可使用的时间
	SettleTimeout time.Duration      `mapstructure:"settle_timeout"`
	Events        BillingEventConfig `mapstructure:"events"`
}

// ModelRate 模型费率
type ModelRate struct {
	InputWeight    float64 `mapstructure:"input_weight"`
	OutputWeight   float64 `mapstructure:"output_weight"`
	BaseFee        float64 `mapstructure:"base_fee"`
	RateMultiplier float64 `mapstructure:"rate_multiplier"`
}

// LedgerConfig 账本乐观锁重试配置
type LedgerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

type BillingEventConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ModerationConfig 关键词审核
type ModerationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Categories 类别 -> 关键词列表
	Categories map[string][]string `mapstructure:"categories"`
}

// QueueConfig 对话写入队列配置
type QueueConfig struct {
	// Backend 队列实现：redis / memory
	Backend    string `mapstructure:"backend"`
	Partitions int    `mapstructure:"partitions"`
	// Buffer memory 实现的每分区容量
	Buffer     int           `mapstructure:"buffer"`
	PopTimeout time.Duration `mapstructure:"pop_timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    BackoffConfig `mapstructure:"backoff"`
	// Mode 写入策略：queued / direct
	Mode string `mapstructure:"mode"`
	// InlineWorkers api 进程内启动消费者（单进程部署）
	InlineWorkers bool `mapstructure:"inline_workers"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type MessagingConfig struct {
	RedisStream RedisStreamConfig `mapstructure:"redis_stream"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
}

type RedisStreamConfig struct {
	MaxLen              int    `mapstructure:"max_len"`
	ConsumerGroupPrefix string `mapstructure:"consumer_group_prefix"`
}

// KafkaConfig 计费事件外发目标
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}
