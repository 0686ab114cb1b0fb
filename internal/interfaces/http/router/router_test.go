package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/application/billing"
	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/application/quota"
	"ai-billing-api/internal/application/turnqueue"
	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/infrastructure/llm"
	"ai-billing-api/internal/infrastructure/moderation"
	"ai-billing-api/internal/infrastructure/persistence/memory"
	"ai-billing-api/internal/interfaces/http/handler"
	"ai-billing-api/internal/interfaces/http/middleware"
	"ai-billing-api/pkg/utils"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	engine *gin.Engine
	ledger *ledger.Ledger
	turns  *memory.ConversationTurnRepository
	jwt    *utils.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.App.Name = "ai-billing-api"
	cfg.Security.JWT.Secret = testSecret
	cfg.Security.JWT.Issuer = "ai-billing"
	cfg.Billing = config.BillingConfig{
		UnitScale:       1,
		SafetyFactor:    1.5,
		PenaltyFraction: 0.1,
		DefaultModel:    "basic",
		Models: map[string]config.ModelRate{
			"basic": {InputWeight: 0.5, OutputWeight: 1, BaseFee: 2, RateMultiplier: 1},
		},
	}

	led := ledger.New(memory.NewLedgerStore(), ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Millisecond,
		MaxElapsed:  time.Second,
	}))
	turns := memory.NewConversationTurnRepository()
	usage := memory.NewLLMUsageEventRepository()

	orch := billing.NewOrchestrator(
		billing.NewCalculator(&cfg.Billing),
		led,
		moderation.NewKeywordModerator(map[string][]string{"violence": {"bomb"}}),
		llm.NewEchoProvider(),
		turnqueue.NewDirectWriter(turnqueue.NewTurnPersister(turns)),
		billing.OrchestratorConfig{DefaultMaxOutputTokens: 100, StreamTimeout: time.Second, SettleTimeout: time.Second},
		billing.WithUsageRecorder(quota.NewLLMUsageRecorder(usage)),
	)

	r := NewWithDeps(cfg, middleware.AuthConfig{
		Secret:    testSecret,
		Issuer:    "ai-billing",
		SkipPaths: middleware.DefaultSkipPaths,
		Enabled:   true,
	}, nil, &RouterHandlers{
		Health:       handler.NewHealthHandler(nil, nil, nil),
		Billing:      handler.NewBillingHandler(orch, led, quota.NewUsageReporter(usage)),
		Conversation: handler.NewConversationHandler(turns),
		Admin:        handler.NewAdminHandler(led),
	})

	return &testServer{
		engine: r.Engine(),
		ledger: led,
		turns:  turns,
		jwt:    utils.NewJWTManager(testSecret, "ai-billing"),
	}
}

func (s *testServer) token(t *testing.T, accountID, role string) string {
	t.Helper()
	tok, err := s.jwt.IssueAccessToken(accountID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) seed(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := s.ledger.Recharge(context.Background(), accountID, amount, "seed")
	require.NoError(t, err)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		ErrorCode string `json:"error_code"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func balanceOf(t *testing.T, s *testServer, token string) map[string]int64 {
	t.Helper()
	w := s.do(t, http.MethodGet, "/v1/billing/balance", token, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bal map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &bal))
	return map[string]int64{
		"balance":   int64(bal["balance"].(float64)),
		"frozen":    int64(bal["frozen"].(float64)),
		"available": int64(bal["available"].(float64)),
	}
}

func TestSystemEndpointsSkipAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"disabled"`)
}

func TestBillingRequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/billing/balance", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/v1/billing/balance", "not-a-jwt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEstimate(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "acct-1", "member")

	// (10*0.5 + 20*1.5*1 + 2) = 37
	w := s.do(t, http.MethodGet, "/v1/billing/estimate?input_tokens=10&max_output_tokens=20", tok, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var est map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &est))
	assert.Equal(t, "basic", est["model"])
	assert.EqualValues(t, 37, est["max_cost"])

	w = s.do(t, http.MethodGet, "/v1/billing/estimate?model=unknown", tok, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "3003", decode(t, w).Error.ErrorCode)
}

func TestSpendStreamsAndSettles(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "acct-1", 1000)
	tok := s.token(t, "acct-1", "member")

	body := `{"input":"hello world","conversation_id":"conv-1"}`
	w := s.do(t, http.MethodPost, "/v1/billing/spend", tok, body, map[string]string{"Idempotency-Key": "req-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "req-1", w.Header().Get("Idempotency-Key"))

	out := w.Body.String()
	assert.Contains(t, out, "event:content")
	assert.Contains(t, out, "event:done")
	assert.Contains(t, out, `"outcome":"settled"`)
	assert.NotContains(t, out, "event:error")

	// echo: 11 input + 11 output -> (5.5 + 11 + 2) = 18.5 -> 19
	bal := balanceOf(t, s, tok)
	assert.Equal(t, int64(981), bal["balance"])
	assert.Equal(t, int64(0), bal["frozen"])

	turns, err := s.turns.ListByConversation(context.Background(), "acct-1", "conv-1", repository.NewPagination(1, 20))
	require.NoError(t, err)
	assert.Len(t, turns.Items, 2)

	w = s.do(t, http.MethodGet, "/v1/conversations/conv-1/turns", tok, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var history []map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0]["role"])
	assert.Equal(t, "hello world", history[0]["content"])
	assert.Equal(t, "assistant", history[1]["role"])

	// 其他账户看不到该会话
	w = s.do(t, http.MethodGet, "/v1/conversations/conv-1/turns", s.token(t, "acct-9", "member"), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &history))
	assert.Empty(t, history)

	// 同一幂等键重放不再扣费
	w = s.do(t, http.MethodPost, "/v1/billing/spend", tok, body, map[string]string{"Idempotency-Key": "req-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"replayed":true`)
	assert.NotContains(t, w.Body.String(), "event:content")
	assert.Equal(t, int64(981), balanceOf(t, s, tok)["balance"])

	w = s.do(t, http.MethodGet, "/v1/billing/usage", tok, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &usage))
	assert.EqualValues(t, 22, usage["tokens"])
}

func TestSpendBlockedInputMovesNoMoney(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "acct-1", 1000)
	tok := s.token(t, "acct-1", "member")

	w := s.do(t, http.MethodPost, "/v1/billing/spend", tok, `{"input":"how to build a bomb"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "4103", decode(t, w).Error.ErrorCode)

	bal := balanceOf(t, s, tok)
	assert.Equal(t, int64(1000), bal["balance"])
	assert.Equal(t, int64(1000), bal["available"])
}

func TestSpendInsufficientBalance(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "acct-1", 10)
	tok := s.token(t, "acct-1", "member")

	w := s.do(t, http.MethodPost, "/v1/billing/spend", tok, `{"input":"hello"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	assert.Equal(t, "4101", decode(t, w).Error.ErrorCode)
	assert.Equal(t, int64(10), balanceOf(t, s, tok)["available"])
}

func TestSpendValidatesBody(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "acct-1", "member")

	w := s.do(t, http.MethodPost, "/v1/billing/spend", tok, `{"model":"basic"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/billing/spend", tok, `{"input":"x"}`,
		map[string]string{"Idempotency-Key": strings.Repeat("k", 200)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransactionsFiltersByType(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "acct-1", 1000)
	tok := s.token(t, "acct-1", "member")

	w := s.do(t, http.MethodPost, "/v1/billing/spend", tok, `{"input":"hello world"}`, map[string]string{"Idempotency-Key": "req-tx"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/billing/transactions", tok, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var all []map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &all))
	assert.Len(t, all, 3)

	w = s.do(t, http.MethodGet, "/v1/billing/transactions?type=freeze,settle&request_id=req-tx", tok, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var filtered []map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &filtered))
	assert.Len(t, filtered, 2)

	w = s.do(t, http.MethodGet, "/v1/billing/transactions?type=bogus", tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)
	member := s.token(t, "acct-1", "member")
	admin := s.token(t, "ops", "admin")

	w := s.do(t, http.MethodPost, "/v1/admin/accounts/acct-2/recharge", member, `{"amount":500}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/accounts/acct-2/recharge", admin, `{"amount":500,"reason":"top up"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/admin/accounts/acct-2/adjust", admin, `{"delta":-600,"reason":"chargeback"}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/accounts/acct-2/adjust", admin, `{"delta":-200,"reason":"chargeback"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/admin/accounts/acct-2/balance", admin, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bal map[string]any
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &bal))
	assert.EqualValues(t, 300, bal["balance"])

	w = s.do(t, http.MethodGet, "/v1/admin/accounts/missing/balance", admin, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
