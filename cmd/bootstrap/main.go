package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/infrastructure/persistence/postgres"
	"ai-billing-api/internal/wire"
	"ai-billing-api/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting billing bootstrap...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		log.Fatalf("bootstrap requires database.driver=%s", config.DriverPostgres)
	}

	ctx := context.Background()

	// 2. 初始化数据层
	dataLayer, cleanup, err := wire.InitializeBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize data layer: %v", err)
	}
	defer cleanup()

	// 3. 建表
	if err := postgres.Migrate(ctx, dataLayer.PgClient); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	fmt.Println("Schema migrated.")

	// 4. 创建默认账户并按需充值，开户与充值在同一事务内
	accountID := os.Getenv("BOOTSTRAP_ACCOUNT_ID")
	if accountID == "" {
		accountID = "acct_default"
	}
	var target int64 = -1
	if raw := os.Getenv("BOOTSTRAP_BALANCE"); raw != "" {
		target, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || target < 0 {
			log.Fatalf("invalid BOOTSTRAP_BALANCE: %q", raw)
		}
	}

	err = dataLayer.TxManager.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := dataLayer.Ledger.OpenAccount(ctx, accountID); err != nil {
			return fmt.Errorf("open account: %w", err)
		}
		if target < 0 {
			return nil
		}
		bal, err := dataLayer.Ledger.GetBalance(ctx, accountID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		// 重复执行时只补足差额
		if topUp := target - bal.Balance; topUp > 0 {
			if _, err := dataLayer.Ledger.Recharge(ctx, accountID, topUp, "bootstrap"); err != nil {
				return fmt.Errorf("recharge: %w", err)
			}
			fmt.Printf("Account %s recharged by %d.\n", accountID, topUp)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("failed to seed account: %v", err)
	}

	bal, err := dataLayer.Ledger.GetBalance(ctx, accountID)
	if err != nil {
		log.Fatalf("failed to read balance: %v", err)
	}
	fmt.Printf("Account %s balance=%d frozen=%d\n", accountID, bal.Balance, bal.Frozen)

	// 5. 签发开发用令牌
	if cfg.App.Env != "production" {
		jwtManager := utils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer)
		for _, role := range []entity.AccountRole{entity.AccountRoleMember, entity.AccountRoleAdmin} {
			token, err := jwtManager.IssueAccessToken(accountID, string(role), cfg.Security.JWT.Expiration)
			if err != nil {
				log.Fatalf("failed to issue %s token: %v", role, err)
			}
			fmt.Printf("%s token: %s\n", role, token)
		}
	}

	fmt.Println("Bootstrap completed successfully.")
}
