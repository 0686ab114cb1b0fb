package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/pkg/logger"
)

var cacheTracer = otel.Tracer("redis.cache")

const defaultBalanceTTL = 5 * time.Second

// BalanceCache 余额读缓存：Read-Through + singleflight，写路径只做失效
type BalanceCache struct {
	client *Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewBalanceCache 创建余额缓存
func NewBalanceCache(client *Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = defaultBalanceTTL
	}
	return &BalanceCache{client: client, ttl: ttl}
}

// BuildBalanceKey 构建余额缓存键
func BuildBalanceKey(accountID string) string {
	return fmt.Sprintf("balance:%s", accountID)
}

// GetOrLoad 未命中时合并并发加载
func (c *BalanceCache) GetOrLoad(ctx context.Context, accountID string, loader func(ctx context.Context) (*entity.Account, error)) (*entity.Account, error) {
	key := BuildBalanceKey(accountID)
	ctx, span := cacheTracer.Start(ctx, "cache.GetOrLoad",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if acct, ok := c.get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return acct, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		if acct, ok := c.get(ctx, key); ok {
			return acct, nil
		}
		acct, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(acct)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal account: %w", err)
		}
		if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			// 缓存写入失败不影响返回结果
			logger.Warn(ctx, "balance cache set failed", "key", key, "error", err.Error())
		}
		return acct, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	acct := *result.(*entity.Account)
	return &acct, nil
}

func (c *BalanceCache) get(ctx context.Context, key string) (*entity.Account, bool) {
	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !IsNil(err) {
			logger.Warn(ctx, "balance cache get failed", "key", key, "error", err.Error())
		}
		return nil, false
	}
	var acct entity.Account
	if err := json.Unmarshal(val, &acct); err != nil {
		return nil, false
	}
	return &acct, true
}

// Invalidate 删除账户余额缓存
func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) error {
	key := BuildBalanceKey(accountID)
	ctx, span := cacheTracer.Start(ctx, "cache.Invalidate",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if err := c.client.rdb.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

var _ repository.BalanceCache = (*BalanceCache)(nil)
