package billing

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/application/quota"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/repository"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/internal/infrastructure/persistence/memory"
)

type mockModerator struct {
	mock.Mock
}

func (m *mockModerator) Check(ctx context.Context, text string) (service.ModerationVerdict, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(service.ModerationVerdict), args.Error(1)
}

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	chunks    []service.GenerationChunk
	streamErr error
	recvErr   error
	// hang 输出完 chunks 后阻塞到 ctx 结束
	hang     bool
	onStream func()
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, _ service.GenerationRequest) (service.ChunkStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onStream != nil {
		p.onStream()
	}
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return &fakeStream{ctx: ctx, chunks: append([]service.GenerationChunk(nil), p.chunks...), err: p.recvErr, hang: p.hang}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeStream struct {
	ctx    context.Context
	chunks []service.GenerationChunk
	i      int
	err    error
	hang   bool
}

func (s *fakeStream) Recv() (*service.GenerationChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return &c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.hang {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() {}

type captureTurns struct {
	mu    sync.Mutex
	tasks []*entity.TurnTask
	err   error
}

func (c *captureTurns) Write(_ context.Context, task *entity.TurnTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return c.err
}

type harness struct {
	orch      *Orchestrator
	ledger    *ledger.Ledger
	provider  *fakeProvider
	moderator *mockModerator
	turns     *captureTurns
	usage     *memory.LLMUsageEventRepository
}

// flakyCloseStore 对终结冻结的写入返回版本冲突
// failures 为剩余失败次数，status 非空时只拦截该终态
type flakyCloseStore struct {
	*memory.LedgerStore
	failures atomic.Int64
	status   entity.FreezeStatus
}

func (s *flakyCloseStore) Apply(ctx context.Context, m *repository.LedgerMutation) error {
	if m.CloseFreeze != nil && (s.status == "" || s.status == m.CloseFreeze.Status) && s.failures.Add(-1) >= 0 {
		return repository.ErrVersionConflict
	}
	return s.LedgerStore.Apply(ctx, m)
}

func newHarness(t *testing.T, balance int64, provider *fakeProvider) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewLedgerStore(), balance, provider)
}

func newHarnessWithStore(t *testing.T, store repository.LedgerStore, balance int64, provider *fakeProvider) *harness {
	t.Helper()
	led := ledger.New(store, ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Millisecond,
		MaxElapsed:  time.Second,
	}))
	if balance > 0 {
		_, err := led.Recharge(context.Background(), "acct-1", balance, "seed")
		require.NoError(t, err)
	}
	usage := memory.NewLLMUsageEventRepository()
	h := &harness{
		ledger:    led,
		provider:  provider,
		moderator: &mockModerator{},
		turns:     &captureTurns{},
		usage:     usage,
	}
	h.orch = NewOrchestrator(
		NewCalculator(testBillingConfig()),
		led,
		h.moderator,
		provider,
		h.turns,
		OrchestratorConfig{DefaultMaxOutputTokens: 100, StreamTimeout: time.Second, SettleTimeout: time.Second},
		WithUsageRecorder(quota.NewLLMUsageRecorder(usage)),
	)
	h.orch.releaseBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return h
}

func (h *harness) balance(t *testing.T) *ledger.Balance {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	return bal
}

var pass = service.ModerationVerdict{Pass: true}

func okProvider() *fakeProvider {
	return &fakeProvider{chunks: []service.GenerationChunk{
		{Delta: "hi "},
		{Delta: "there", InputTokens: 10, OutputTokens: 20, FinishReason: "stop"},
	}}
}

func spendReq(id string) SpendRequest {
	return SpendRequest{AccountID: "acct-1", RequestID: id, ConversationID: "conv-1", InputText: "hello"}
}

// "hello" 估算 13 个输入 token，最大输出 100*1.5=150
// frozen = ceil(13*0.5 + 150 + 2) = 159，actual = 10*0.5 + 20 + 2 = 27

func TestSpendSettlesActualCost(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)
	h.moderator.On("Check", mock.Anything, "hi there").Return(pass, nil)

	var streamed []string
	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), SinkFunc(func(d string) error {
		streamed = append(streamed, d)
		return nil
	}))
	require.NoError(t, err)

	assert.Equal(t, entity.SpendOutcomeSettled, res.Outcome)
	assert.Equal(t, int64(159), res.Frozen)
	assert.Equal(t, int64(27), res.Charged)
	assert.Equal(t, []string{"hi ", "there"}, streamed)

	bal := h.balance(t)
	assert.Equal(t, int64(973), bal.Balance)
	assert.Equal(t, int64(0), bal.Frozen)

	require.Len(t, h.turns.tasks, 1)
	assert.Equal(t, "hello", h.turns.tasks[0].UserTurn)
	assert.Equal(t, "hi there", h.turns.tasks[0].AssistantTurn)

	summary, err := h.usage.SummarizeByModel(context.Background(), "acct-1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, int64(30), summary[0].PromptTokens+summary[0].CompletionTokens)
	assert.Equal(t, int64(27), summary[0].Cost)
	h.moderator.AssertExpectations(t)
}

func TestSpendReplayDoesNotCallProviderAgain(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, mock.Anything).Return(pass, nil)

	first, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	require.NoError(t, err)
	second, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Charged, second.Charged)
	assert.Equal(t, 1, h.provider.callCount())
	assert.Equal(t, int64(973), h.balance(t).Balance)
}

func TestSpendInputRejectedMovesNoMoney(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(service.ModerationVerdict{Category: "spam", Reason: "keyword"}, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrModerationRejected)

	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "input", rej.Stage)
	assert.Equal(t, 0, h.provider.callCount())

	rec, err := h.ledger.Lookup(context.Background(), "acct-1", "req-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int64(1000), h.balance(t).Available)
}

func TestSpendModerationUnavailableAborts(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(service.ModerationVerdict{}, errors.New("timeout"))

	_, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrModerationUnavailable)
	assert.Equal(t, 0, h.provider.callCount())
}

func TestSpendInsufficientBalanceSkipsProvider(t *testing.T) {
	h := newHarness(t, 100, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	_, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, 0, h.provider.callCount())
	assert.Equal(t, int64(100), h.balance(t).Balance)
}

func TestSpendTransportErrorRefunds(t *testing.T) {
	provider := &fakeProvider{
		chunks:  []service.GenerationChunk{{Delta: "par"}},
		recvErr: errors.New("upstream 502"),
	}
	h := newHarness(t, 1000, provider)
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrProviderTransport)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomeRefunded, res.Outcome)
	assert.Equal(t, int64(0), res.Charged)

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Balance)
	assert.Equal(t, int64(0), bal.Frozen)
	assert.Empty(t, h.turns.tasks)
}

func TestSpendOutputViolationPenalizes(t *testing.T) {
	provider := &fakeProvider{chunks: []service.GenerationChunk{{Delta: "bad output"}}}
	h := newHarness(t, 1000, provider)
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)
	h.moderator.On("Check", mock.Anything, "bad output").Return(service.ModerationVerdict{Category: "violence"}, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrModerationRejected)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomePenalized, res.Outcome)
	// ceil(159 * 0.1) = 16
	assert.Equal(t, int64(16), res.Charged)
	assert.Equal(t, int64(984), h.balance(t).Balance)
	assert.Empty(t, h.turns.tasks)
}

func TestSpendOutputModerationErrorStillSettles(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)
	h.moderator.On("Check", mock.Anything, "hi there").Return(service.ModerationVerdict{}, errors.New("gate down"))

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, entity.SpendOutcomeSettled, res.Outcome)
	assert.Equal(t, int64(27), res.Charged)
}

func TestSpendCallerDisconnectSettlesPartialUsage(t *testing.T) {
	provider := &fakeProvider{chunks: []service.GenerationChunk{{Delta: "ab"}, {Delta: "cd"}}}
	h := newHarness(t, 1000, provider)
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), SinkFunc(func(d string) error {
		return errors.New("client gone")
	}))
	assert.ErrorIs(t, err, ErrRequestCancelled)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomeSettled, res.Outcome)
	// 无上游用量：输入按估算 13，输出按已产生字符 2 -> ceil(6.5 + 2 + 2) = 11
	assert.Equal(t, int64(11), res.Charged)

	bal := h.balance(t)
	assert.Equal(t, int64(989), bal.Balance)
	assert.Equal(t, int64(0), bal.Frozen)
}

func TestSpendCancelledBeforeOutputRefunds(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.onStream = cancel
	h.provider.streamErr = context.Canceled

	res, err := h.orch.Spend(ctx, spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrRequestCancelled)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomeRefunded, res.Outcome)

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Balance)
	assert.Equal(t, int64(0), bal.Frozen)
}

func TestSpendTurnWriteFailureKeepsBilling(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	h.turns.err = errors.New("queue down")
	h.moderator.On("Check", mock.Anything, mock.Anything).Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(27), res.Charged)
	assert.Equal(t, int64(973), h.balance(t).Balance)
}

func TestEstimateUsesDefaultMaxOutput(t *testing.T) {
	h := newHarness(t, 0, okProvider())
	est, err := h.orch.Estimate(13, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "basic", est.Model)
	assert.Equal(t, int64(159), est.MaxCost)
}

func TestSpendStreamTimeoutSettlesPartialOutput(t *testing.T) {
	provider := &fakeProvider{chunks: []service.GenerationChunk{{Delta: "ab"}}, hang: true}
	h := newHarness(t, 1000, provider)
	h.orch.cfg.StreamTimeout = 20 * time.Millisecond
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	var streamed []string
	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), SinkFunc(func(d string) error {
		streamed = append(streamed, d)
		return nil
	}))
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.NotErrorIs(t, err, ErrProviderTransport)
	require.NotNil(t, res)
	assert.Equal(t, []string{"ab"}, streamed)
	assert.Equal(t, entity.SpendOutcomeSettled, res.Outcome)
	// ceil(13*0.5 + 2 + 2) = 11
	assert.Equal(t, int64(11), res.Charged)

	bal := h.balance(t)
	assert.Equal(t, int64(989), bal.Balance)
	assert.Equal(t, int64(0), bal.Frozen)
}

func TestSpendStreamTimeoutWithoutOutputRefunds(t *testing.T) {
	provider := &fakeProvider{hang: true}
	h := newHarness(t, 1000, provider)
	h.orch.cfg.StreamTimeout = 20 * time.Millisecond
	h.moderator.On("Check", mock.Anything, "hello").Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrProviderTransport)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomeRefunded, res.Outcome)
	assert.Equal(t, int64(1000), h.balance(t).Available)
}

func TestSpendSettleFailureFallsBackToRefund(t *testing.T) {
	store := &flakyCloseStore{LedgerStore: memory.NewLedgerStore(), status: entity.FreezeStatusSettled}
	store.failures.Store(1 << 20)
	h := newHarnessWithStore(t, store, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, mock.Anything).Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrProviderTransport)
	require.NotNil(t, res)
	assert.Equal(t, entity.SpendOutcomeRefunded, res.Outcome)
	assert.Equal(t, int64(0), res.Charged)

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Frozen)
	assert.Empty(t, h.turns.tasks)
}

func TestSpendTerminalFailureReleasesFreezeInBackground(t *testing.T) {
	store := &flakyCloseStore{LedgerStore: memory.NewLedgerStore()}
	// settle 与兜底退款各耗尽 10 次，后台重试再失败几次后成功
	store.failures.Store(25)
	h := newHarnessWithStore(t, store, 1000, okProvider())
	h.moderator.On("Check", mock.Anything, mock.Anything).Return(pass, nil)

	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyExhausted)
	assert.Nil(t, res)

	h.orch.Wait()

	rec, err := h.ledger.Lookup(context.Background(), "acct-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, entity.FreezeStatusRefunded, rec.Status)

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Frozen)

	// 客户端按原幂等键重试，得到退款结果而非一直冲突
	again, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrProviderTransport)
	assert.NotErrorIs(t, err, ErrRequestInProgress)
	require.NotNil(t, again)
	assert.True(t, again.Replayed)
	assert.Equal(t, entity.SpendOutcomeRefunded, again.Outcome)
	assert.Equal(t, 1, h.provider.callCount())
}

func TestSpendReplayOfActiveFreeze(t *testing.T) {
	h := newHarness(t, 1000, okProvider())
	_, err := h.ledger.Freeze(context.Background(), "acct-1", "req-1", 159)
	require.NoError(t, err)

	_, err = h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrRequestInProgress)
	assert.Equal(t, int64(841), h.balance(t).Available)

	// 超过生成与结算时限后，重放直接退回遗留冻结
	h.orch.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	res, err := h.orch.Spend(context.Background(), spendReq("req-1"), nil)
	assert.ErrorIs(t, err, ErrProviderTransport)
	require.NotNil(t, res)
	assert.True(t, res.Replayed)
	assert.Equal(t, entity.SpendOutcomeRefunded, res.Outcome)
	assert.Equal(t, 0, h.provider.callCount())

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Frozen)
}
