package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// tokenBucketScript 原子地补充并消耗一个令牌
// KEYS[1] 桶键；ARGV: 每秒速率, 容量, 当前毫秒
// 返回 {是否放行, 剩余令牌, 需等待毫秒}
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity * 1000 / rate) + 1000)
return {allowed, math.floor(tokens), wait}
`)

// RateLimiter 令牌桶限流，状态保存在 Redis 中，多实例共享
type RateLimiter struct {
	client *Client
	now    func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(client *Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// RateDecision 单次限流判定
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow 消耗一个令牌；burst 小于 rate 时按 rate 计
func (l *RateLimiter) Allow(ctx context.Context, key string, rate, burst int) (bool, time.Duration, error) {
	d, err := l.Take(ctx, key, rate, burst)
	return d.Allowed, d.RetryAfter, err
}

// Take 同 Allow，附带剩余令牌数
func (l *RateLimiter) Take(ctx context.Context, key string, rate, burst int) (RateDecision, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.Allow")
	defer span.End()

	if burst < rate {
		burst = rate
	}
	span.SetAttributes(
		attribute.String("ratelimit.key", key),
		attribute.Int("ratelimit.rate", rate),
		attribute.Int("ratelimit.burst", burst),
	)

	res, err := tokenBucketScript.Run(ctx, l.client.rdb, []string{key}, rate, burst, l.now().UnixMilli()).Int64Slice()
	if err != nil {
		span.RecordError(err)
		return RateDecision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) != 3 {
		return RateDecision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}

	d := RateDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
	return d, nil
}

// BuildRateLimitKey 按账户与路由分桶
func BuildRateLimitKey(prefix, accountID, route string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, accountID, route)
}
