//go:build integration

package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/pkg/utils"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	port, _ := strconv.Atoi(envOr("POSTGRES_PORT", "5432"))
	client, err := NewClient(&config.PostgresConfig{
		Host:         envOr("POSTGRES_HOST", "localhost"),
		Port:         port,
		User:         envOr("POSTGRES_USER", "postgres"),
		Password:     envOr("POSTGRES_PASSWORD", "postgres"),
		Database:     envOr("POSTGRES_DB", "ai_billing_test"),
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	require.NoError(t, Migrate(context.Background(), client))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seedAccount(t *testing.T, store *LedgerStore, balance int64) *entity.Account {
	t.Helper()
	acct := entity.NewAccount("acct-" + utils.NewRequestID())
	acct.Balance = balance
	require.NoError(t, store.CreateAccount(context.Background(), acct))
	return acct
}

func TestLedgerStoreApplyCAS(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(newTestClient(t))
	acct := seedAccount(t, store, 1000)

	reqID := utils.NewRequestID()
	err := store.Apply(ctx, &repository.LedgerMutation{
		AccountID:       acct.ID,
		ExpectedVersion: acct.Version,
		FrozenDelta:     150,
		CreateFreeze: &entity.FreezeRecord{
			ID: utils.NewID(utils.PrefixFreeze), AccountID: acct.ID, RequestID: reqID,
			Amount: 150, Status: entity.FreezeStatusActive,
		},
		Entry: &entity.LedgerEntry{
			ID: utils.NewID(utils.PrefixLedgerEntry), AccountID: acct.ID, Type: entity.LedgerEntryFreeze,
			FrozenDelta: 150, BalanceAfter: 1000, FrozenAfter: 150, RequestID: reqID,
		},
	})
	require.NoError(t, err)

	// 旧版本号写入失败且无副作用
	err = store.Apply(ctx, &repository.LedgerMutation{
		AccountID:       acct.ID,
		ExpectedVersion: acct.Version,
		BalanceDelta:    -10,
	})
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)
	assert.Equal(t, int64(150), got.Frozen)
	assert.Equal(t, acct.Version+1, got.Version)

	err = store.Apply(ctx, &repository.LedgerMutation{
		AccountID:       acct.ID,
		ExpectedVersion: got.Version,
		BalanceDelta:    -90,
		FrozenDelta:     -150,
		CloseFreeze:     &repository.FreezeTransition{RequestID: reqID, Status: entity.FreezeStatusSettled, Charged: 90},
	})
	require.NoError(t, err)

	rec, err := store.GetFreezeByRequestID(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, entity.FreezeStatusSettled, rec.Status)
	assert.Equal(t, int64(90), rec.Charged)
	assert.NotNil(t, rec.FinishedAt)

	page, err := store.ListEntries(ctx, acct.ID, repository.LedgerEntryFilter{Types: []entity.LedgerEntryType{entity.LedgerEntryFreeze}}, repository.NewPagination(1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestLedgerStoreRejectsNegativeAvailable(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(newTestClient(t))
	acct := seedAccount(t, store, 10)

	err := store.Apply(ctx, &repository.LedgerMutation{
		AccountID:       acct.ID,
		ExpectedVersion: acct.Version,
		FrozenDelta:     11,
	})
	assert.ErrorIs(t, err, ErrInvariantViolated)
}

func TestConversationTurnAppendPairIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationTurnRepository(newTestClient(t))
	conv := "conv-" + strconv.FormatInt(time.Now().UnixNano(), 10)

	for i, id := range []string{"r1", "r2", "r1"} {
		user := entity.NewConversationTurn("acct-1", conv, id, entity.RoleUser, "q")
		assistant := entity.NewConversationTurn("acct-1", conv, id, entity.RoleAssistant, "a")
		require.NoError(t, repo.AppendPair(ctx, user, assistant), "append %d", i)
	}

	page, err := repo.ListByConversation(ctx, "acct-1", conv, repository.NewPagination(1, 10))
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	for i, turn := range page.Items {
		assert.Equal(t, int64(i+1), turn.Seq)
	}
	assert.Equal(t, "r2", page.Items[3].RequestID)
}

func TestLLMUsageEventCreateIgnoresDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewLLMUsageEventRepository(newTestClient(t))
	acctID := "acct-" + utils.NewRequestID()
	reqID := utils.NewRequestID()

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Create(ctx, &entity.LLMUsageEvent{
			AccountID: acctID, RequestID: reqID, Provider: "echo", Model: "gpt-4o-mini",
			TokensPrompt: 10, TokensCompletion: 5, Cost: 42, Outcome: entity.SpendOutcomeSettled,
		}))
	}
	require.NoError(t, repo.Create(ctx, &entity.LLMUsageEvent{
		AccountID: acctID, RequestID: utils.NewRequestID(), Provider: "echo", Model: "claude",
		TokensPrompt: 1, Outcome: entity.SpendOutcomeRefunded,
	}))

	summary, err := repo.SummarizeByModel(ctx, acctID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "claude", summary[0].Model)
	assert.Equal(t, repository.ModelUsage{
		Model: "gpt-4o-mini", Requests: 1, PromptTokens: 10, CompletionTokens: 5, Cost: 42,
	}, summary[1])
}
