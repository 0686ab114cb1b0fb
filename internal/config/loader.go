// Package config 提供配置加载功能
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// envPattern 匹配 ${VAR} 或 ${VAR:default}
var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// defaults 文件与环境变量都未给出时的取值
var defaults = map[string]any{
	"app.name":    "ai-billing-api",
	"app.version": "v0.0.0",
	"app.env":     "development",

	"server.http.host":          "0.0.0.0",
	"server.http.port":          8080,
	"server.http.read_timeout":  "30s",
	"server.http.write_timeout": "300s",
	"server.http.idle_timeout":  "120s",

	"database.driver":                      "postgres",
	"database.postgres.host":               "localhost",
	"database.postgres.port":               5432,
	"database.postgres.user":               "postgres",
	"database.postgres.password":           "",
	"database.postgres.database":           "ai_billing",
	"database.postgres.ssl_mode":           "disable",
	"database.postgres.max_open_conns":     50,
	"database.postgres.max_idle_conns":     10,
	"database.postgres.conn_max_lifetime":  "30m",
	"database.postgres.conn_max_idle_time": "5m",

	"cache.balance_ttl":          "5s",
	"cache.redis.enabled":        true,
	"cache.redis.host":           "localhost",
	"cache.redis.port":           6379,
	"cache.redis.password":       "",
	"cache.redis.db":             0,
	"cache.redis.pool_size":      100,
	"cache.redis.min_idle_conns": 10,
	"cache.redis.dial_timeout":   "5s",
	"cache.redis.read_timeout":   "3s",
	"cache.redis.write_timeout":  "3s",

	"llm.default_provider": "openai",
	"llm.stream_timeout":   "120s",

	"moderation.enabled": true,

	"billing.unit_scale":                1.0,
	"billing.safety_factor":             1.5,
	"billing.penalty_fraction":          0.1,
	"billing.default_model":             "default",
	"billing.default_max_output_tokens": 1024,
	"billing.settle_timeout":            "10s",
	"billing.ledger.max_attempts":       50,
	"billing.ledger.base_delay":         "1ms",
	"billing.ledger.max_delay":          "20ms",
	"billing.ledger.max_elapsed":        "2s",
	"billing.events.enabled":            false,

	"queue.backend":            QueueBackendRedis,
	"queue.mode":               QueueModeQueued,
	"queue.partitions":         8,
	"queue.buffer":             1024,
	"queue.pop_timeout":        "2s",
	"queue.max_retries":        3,
	"queue.backoff.initial":    "200ms",
	"queue.backoff.max":        "5s",
	"queue.backoff.multiplier": 2.0,
	"queue.inline_workers":     false,

	"messaging.redis_stream.max_len":               100000,
	"messaging.redis_stream.consumer_group_prefix": "cg-",
	"messaging.kafka.topic":                        "billing.events",
	"messaging.kafka.write_timeout":                "5s",

	"observability.logging.level":       "info",
	"observability.logging.format":      "json",
	"observability.tracing.enabled":     true,
	"observability.tracing.endpoint":    "localhost:4317",
	"observability.tracing.sample_rate": 1.0,
	"observability.metrics.enabled":     true,
	"observability.metrics.path":        "/metrics",

	"security.jwt.secret":                     "",
	"security.jwt.issuer":                     "ai-billing",
	"security.jwt.expiration":                 "24h",
	"security.rate_limit.enabled":             true,
	"security.rate_limit.requests_per_second": 100,
	"security.rate_limit.burst":               200,
}

// Load 加载 configs 目录下的配置文件
func Load() (*Config, error) {
	return LoadFrom("configs")
}

// LoadFrom 依次合并 config.yaml、config.<APP_ENV>.yaml 与环境变量
// 环境变量按键名映射，例如 BILLING_SAFETY_FACTOR 覆盖 billing.safety_factor
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	files := []struct {
		path     string
		optional bool
	}{
		{filepath.Join(dir, "config.yaml"), false},
		{filepath.Join(dir, "config."+env+".yaml"), true},
	}
	for _, f := range files {
		if err := mergeFile(v, f.path, f.optional); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// mergeFile 展开占位符后合并进 viper
func mergeFile(v *viper.Viper, path string, optional bool) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.MergeConfig(strings.NewReader(expandEnv(string(content)))); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// expandEnv 替换 ${VAR:default}，未设置且无默认值的占位符原样保留
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envPattern.FindStringSubmatchIndex(match)
		key := match[m[2]:m[3]]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		if m[4] >= 0 {
			return match[m[4]:m[5]]
		}
		return match
	})
}
