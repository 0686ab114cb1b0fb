package postgres

import (
	"context"
	"fmt"

	"ai-billing-api/internal/domain/entity"
)

// accountChecks 账户表约束：冻结额非负、可用余额非负
var accountChecks = map[string]string{
	"chk_accounts_frozen_nonneg":    "frozen >= 0",
	"chk_accounts_available_nonneg": "balance - frozen >= 0",
}

// Migrate 建表并补充 CHECK 约束
func Migrate(ctx context.Context, client *Client) error {
	db := client.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&entity.Account{},
		&entity.FreezeRecord{},
		&entity.LedgerEntry{},
		&entity.ConversationTurn{},
		&entity.LLMUsageEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	for name, expr := range accountChecks {
		if db.Migrator().HasConstraint(&entity.Account{}, name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)", entity.Account{}.TableName(), name, expr)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("add constraint %s: %w", name, err)
		}
	}
	return nil
}
