//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"ai-billing-api/internal/application/quota"
	"ai-billing-api/internal/application/turnqueue"
	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/internal/infrastructure/llm"
	"ai-billing-api/internal/infrastructure/persistence/postgres"
	"ai-billing-api/internal/interfaces/http/handler"
	"ai-billing-api/internal/interfaces/http/router"
)

// StorageSet 存储层 Provider 集合
var StorageSet = wire.NewSet(
	ProvidePostgresClient,
	ProvideRedisClient,
	ProvideLedgerStore,
	ProvideTurnRepository,
	ProvideUsageRepository,
	ProvideBalanceCache,
)

// QueueSet 对话写入队列 Provider 集合
var QueueSet = wire.NewSet(
	ProvideTurnQueue,
	turnqueue.NewTurnPersister,
	wire.Bind(new(turnqueue.Persister), new(*turnqueue.TurnPersister)),
	ProvideWriteQueue,
)

// BillingSet 计费核心 Provider 集合
var BillingSet = wire.NewSet(
	ProvideLedger,
	ProvideCalculator,
	ProvideModerator,
	llm.NewEinoFactory,
	llm.NewProvider,
	ProvideTurnWriter,
	quota.NewLLMUsageRecorder,
	wire.Bind(new(service.LLMUsageRecorder), new(*quota.LLMUsageRecorder)),
	quota.NewUsageReporter,
	ProvideEventPublisher,
	ProvideOrchestrator,
)

// HandlerSet HTTP Provider 集合
var HandlerSet = wire.NewSet(
	handler.NewBillingHandler,
	handler.NewConversationHandler,
	handler.NewAdminHandler,
	ProvideHealthHandler,
	wire.Struct(new(router.RouterHandlers), "*"),
	ProvideAuthConfig,
	ProvideRateLimiter,
	router.NewWithDeps,
)

// InitializeApp 初始化 api-gateway
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(
		StorageSet,
		QueueSet,
		BillingSet,
		HandlerSet,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

// InitializeWorker 初始化 turn-writer
func InitializeWorker(ctx context.Context, cfg *config.Config) (*Worker, func(), error) {
	wire.Build(
		ProvidePostgresClient,
		ProvideRedisClient,
		ProvideTurnRepository,
		QueueSet,
		wire.Struct(new(Worker), "*"),
	)
	return nil, nil, nil
}

// InitializeBootstrap 初始化 bootstrap
func InitializeBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, func(), error) {
	wire.Build(
		ProvidePostgresClient,
		ProvideRedisClient,
		postgres.NewTxManager,
		ProvideLedgerStore,
		ProvideBalanceCache,
		ProvideLedger,
		wire.Struct(new(Bootstrap), "*"),
	)
	return nil, nil, nil
}
