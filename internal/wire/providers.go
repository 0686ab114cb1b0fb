// Package wire 提供依赖注入配置
package wire

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"ai-billing-api/internal/application/billing"
	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/application/turnqueue"
	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/internal/infrastructure/messaging"
	"ai-billing-api/internal/infrastructure/moderation"
	"ai-billing-api/internal/infrastructure/persistence/memory"
	"ai-billing-api/internal/infrastructure/persistence/postgres"
	"ai-billing-api/internal/infrastructure/persistence/redis"
	"ai-billing-api/internal/interfaces/http/handler"
	"ai-billing-api/internal/interfaces/http/middleware"
	"ai-billing-api/internal/interfaces/http/router"
	"ai-billing-api/pkg/logger"
)

// App api-gateway 运行所需组件
type App struct {
	Router *router.Router
	// Workers 仅在 queue.inline_workers 开启时由入口启动
	Workers *turnqueue.WriteQueue
	Queue   service.TurnTaskQueue
	// Orchestrator 退出前等待后台退款
	Orchestrator *billing.Orchestrator
}

// Worker turn-writer 运行所需组件
type Worker struct {
	Workers *turnqueue.WriteQueue
	Queue   service.TurnTaskQueue
}

// Bootstrap 建表与初始化账户所需组件
type Bootstrap struct {
	PgClient  *postgres.Client
	TxManager *postgres.TxManager
	Ledger    *ledger.Ledger
}

// ProvidePostgresClient 提供 PostgreSQL 客户端，memory 驱动下返回 nil
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		return nil, func() {}, nil
	}
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Observability.Metrics.Enabled {
		registerPoolMetrics(client)
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup, nil
}

// registerPoolMetrics 同一进程只注册一次，重复注册忽略
func registerPoolMetrics(client *postgres.Client) {
	collector, err := client.PoolCollector()
	if err != nil {
		logger.Warn(context.Background(), "postgres pool metrics unavailable", "error", err.Error())
		return
	}
	var already prometheus.AlreadyRegisteredError
	if err := prometheus.Register(collector); err != nil && !errors.As(err, &already) {
		logger.Warn(context.Background(), "failed to register postgres pool metrics", "error", err.Error())
	}
}

// ProvideRedisClient 提供 Redis 客户端，未启用时返回 nil
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Cache.Redis.Enabled {
		return nil, func() {}, nil
	}
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup, nil
}

func ProvideLedgerStore(client *postgres.Client) repository.LedgerStore {
	if client == nil {
		return memory.NewLedgerStore()
	}
	return postgres.NewLedgerStore(client)
}

func ProvideTurnRepository(client *postgres.Client) repository.ConversationTurnRepository {
	if client == nil {
		return memory.NewConversationTurnRepository()
	}
	return postgres.NewConversationTurnRepository(client)
}

func ProvideUsageRepository(client *postgres.Client) repository.LLMUsageEventRepository {
	if client == nil {
		return memory.NewLLMUsageEventRepository()
	}
	return postgres.NewLLMUsageEventRepository(client)
}

// ProvideBalanceCache 余额读缓存，Redis 未启用或 TTL 为 0 时关闭
func ProvideBalanceCache(cfg *config.Config, client *redis.Client) repository.BalanceCache {
	if client == nil || cfg.Cache.BalanceTTL <= 0 {
		return nil
	}
	return redis.NewBalanceCache(client, cfg.Cache.BalanceTTL)
}

// ProvideRateLimiter Redis 未启用时不限流
func ProvideRateLimiter(client *redis.Client) middleware.RateLimiter {
	if client == nil {
		return nil
	}
	return redis.NewRateLimiter(client)
}

// ProvideTurnQueue 按 queue.backend 选择队列实现
func ProvideTurnQueue(ctx context.Context, cfg *config.Config, client *redis.Client) (service.TurnTaskQueue, func(), error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		return messaging.NewMemoryTurnQueue(cfg.Queue.Partitions, cfg.Queue.Buffer), func() {}, nil
	case config.QueueBackendRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("queue backend %q requires cache.redis.enabled", config.QueueBackendRedis)
		}
		q := messaging.NewRedisTurnQueue(client.Redis(), messaging.RedisQueueConfig{
			Partitions:   cfg.Queue.Partitions,
			MaxLen:       int64(cfg.Messaging.RedisStream.MaxLen),
			Group:        messaging.ConsumerGroup(cfg.Messaging.RedisStream.ConsumerGroupPrefix + "turn-writer"),
			ConsumerName: hostnameConsumerName(),
		})
		if err := q.EnsureGroups(ctx); err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			q.Close(context.Background())
		}
		return q, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend: %s", cfg.Queue.Backend)
	}
}

func ProvideLedger(cfg *config.Config, store repository.LedgerStore, cache repository.BalanceCache) *ledger.Ledger {
	return ledger.NewFromConfig(store, &cfg.Billing, cache)
}

func ProvideCalculator(cfg *config.Config) *billing.Calculator {
	return billing.NewCalculator(&cfg.Billing)
}

func ProvideModerator(cfg *config.Config) service.Moderator {
	return moderation.New(&cfg.Moderation)
}

// ProvideTurnWriter 按 queue.mode 选择写入策略
func ProvideTurnWriter(cfg *config.Config, queue service.TurnTaskQueue, persister turnqueue.Persister) billing.TurnWriter {
	return turnqueue.NewWriter(&cfg.Queue, queue, persister)
}

// ProvideEventPublisher 计费事件外发，关闭时使用空实现
func ProvideEventPublisher(cfg *config.Config) (service.BillingEventPublisher, func()) {
	if !cfg.Billing.Events.Enabled {
		return messaging.NoopBillingPublisher{}, func() {}
	}
	p := messaging.NewKafkaBillingPublisher(cfg.Messaging.Kafka)
	cleanup := func() {
		if err := p.Close(); err != nil {
			logger.Warn(context.Background(), "failed to close kafka publisher", "error", err.Error())
		}
	}
	return p, cleanup
}

func ProvideOrchestrator(
	cfg *config.Config,
	calc *billing.Calculator,
	led *ledger.Ledger,
	moderator service.Moderator,
	provider service.GenerationProvider,
	turns billing.TurnWriter,
	usage service.LLMUsageRecorder,
	events service.BillingEventPublisher,
) *billing.Orchestrator {
	return billing.NewOrchestrator(calc, led, moderator, provider, turns,
		billing.OrchestratorConfigFrom(cfg),
		billing.WithUsageRecorder(usage),
		billing.WithEventPublisher(events),
	)
}

func ProvideWriteQueue(cfg *config.Config, queue service.TurnTaskQueue, persister turnqueue.Persister) *turnqueue.WriteQueue {
	return turnqueue.NewWriteQueueFromConfig(queue, persister, &cfg.Queue)
}

// ProvideHealthHandler 队列实现支持探活时纳入就绪检查
func ProvideHealthHandler(cfg *config.Config, pg *postgres.Client, rc *redis.Client, queue service.TurnTaskQueue) *handler.HealthHandler {
	var qc handler.HealthChecker
	if hc, ok := queue.(handler.HealthChecker); ok {
		qc = hc
	}
	return handler.NewHealthHandler(pg, rc, qc).WithVersion(cfg.App.Version)
}

// ProvideAuthConfig 提供认证配置
func ProvideAuthConfig(cfg *config.Config) middleware.AuthConfig {
	return middleware.AuthConfig{
		Secret:    cfg.Security.JWT.Secret,
		Issuer:    cfg.Security.JWT.Issuer,
		SkipPaths: middleware.DefaultSkipPaths,
		Enabled:   true,
	}
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
