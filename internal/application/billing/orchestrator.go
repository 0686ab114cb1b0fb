package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ai-billing-api/internal/application/ledger"
	"ai-billing-api/internal/config"
	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/metrics"
	"ai-billing-api/pkg/tracer"
	"ai-billing-api/pkg/utils"
)

const (
	stageInput  = "input"
	stageOutput = "output"

	defaultMaxOutputTokens = 1024
	defaultStreamTimeout   = 2 * time.Minute
	defaultSettleTimeout   = 10 * time.Second

	// releaseRetryWindow 终态迁移失败后后台退款的最长重试时间
	releaseRetryWindow = 10 * time.Minute
)

// TurnWriter 终态后提交对话轮次，失败不影响计费
type TurnWriter interface {
	Write(ctx context.Context, task *entity.TurnTask) error
}

// StreamSink 接收流式增量，返回错误表示调用方已断开
type StreamSink interface {
	Send(delta string) error
}

// SinkFunc 函数适配器
type SinkFunc func(delta string) error

func (f SinkFunc) Send(delta string) error { return f(delta) }

// SpendRequest 一次计费生成请求
type SpendRequest struct {
	AccountID       string
	RequestID       string
	ConversationID  string
	InputText       string
	Model           string
	MaxOutputTokens int
	Temperature     float32
}

// SpendResult 计费结果
type SpendResult struct {
	RequestID    string              `json:"request_id"`
	Model        string              `json:"model"`
	Outcome      entity.SpendOutcome `json:"outcome"`
	Frozen       int64               `json:"frozen"`
	Charged      int64               `json:"charged"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	Content      string              `json:"-"`
	Replayed     bool                `json:"replayed"`
}

// OrchestratorConfig 编排参数
type OrchestratorConfig struct {
	DefaultMaxOutputTokens int
	StreamTimeout          time.Duration
	SettleTimeout          time.Duration
}

// OrchestratorConfigFrom 从全局配置提取
func OrchestratorConfigFrom(cfg *config.Config) OrchestratorConfig {
	return OrchestratorConfig{
		DefaultMaxOutputTokens: cfg.Billing.DefaultMaxOutputTokens,
		StreamTimeout:          cfg.LLM.StreamTimeout,
		SettleTimeout:          cfg.Billing.SettleTimeout,
	}
}

// OrchestratorOption 可选依赖
type OrchestratorOption func(*Orchestrator)

func WithUsageRecorder(r service.LLMUsageRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.usage = r }
}

func WithEventPublisher(p service.BillingEventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// Orchestrator 计费编排：审核 -> 预估 -> 冻结 -> 流式生成 -> 结算/退款/扣罚 -> 落库
type Orchestrator struct {
	calc      *Calculator
	ledger    *ledger.Ledger
	moderator service.Moderator
	provider  service.GenerationProvider
	turns     TurnWriter
	usage     service.LLMUsageRecorder
	events    service.BillingEventPublisher
	cfg       OrchestratorConfig

	now            func() time.Time
	releaseBackOff func() backoff.BackOff
	releases       sync.WaitGroup
}

func NewOrchestrator(
	calc *Calculator,
	led *ledger.Ledger,
	moderator service.Moderator,
	provider service.GenerationProvider,
	turns TurnWriter,
	cfg OrchestratorConfig,
	opts ...OrchestratorOption,
) *Orchestrator {
	if cfg.DefaultMaxOutputTokens <= 0 {
		cfg.DefaultMaxOutputTokens = defaultMaxOutputTokens
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	o := &Orchestrator{
		calc:      calc,
		ledger:    led,
		moderator: moderator,
		provider:  provider,
		turns:     turns,
		cfg:       cfg,
		now:       time.Now,
		releaseBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     200 * time.Millisecond,
				RandomizationFactor: 0.5,
				Multiplier:          2,
				MaxInterval:         15 * time.Second,
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Estimate 预估最大费用
func (o *Orchestrator) Estimate(inputTokens, maxOutputTokens int, model string) (*Estimate, error) {
	if maxOutputTokens <= 0 {
		maxOutputTokens = o.cfg.DefaultMaxOutputTokens
	}
	return o.calc.Estimate(inputTokens, maxOutputTokens, model)
}

// Spend 执行一次计费生成
// 冻结成功后无论流式结果如何，恰好执行一次终态迁移
func (o *Orchestrator) Spend(ctx context.Context, req SpendRequest, sink StreamSink) (*SpendResult, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, fmt.Errorf("%w: empty account id", ledger.ErrAccountNotFound)
	}
	if req.RequestID == "" {
		req.RequestID = utils.NewRequestID()
	}

	ctx = logger.WithContext(ctx, logger.AccountIDKey, req.AccountID)
	ctx = logger.WithContext(ctx, logger.BillingIDKey, req.RequestID)
	if req.ConversationID != "" {
		ctx = logger.WithContext(ctx, logger.ConversationIDKey, req.ConversationID)
	}
	ctx, span := tracer.Start(ctx, "billing.Spend",
		trace.WithAttributes(
			attribute.String("account_id", req.AccountID),
			attribute.String("request_id", req.RequestID),
		))
	defer span.End()

	start := time.Now()
	rate, model, err := o.calc.Rate(req.Model)
	if err != nil {
		return nil, err
	}
	defer func() {
		metrics.SpendDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}()

	// 已有终态记录的重放直接返回，不再调用上游
	rec, err := o.ledger.Lookup(ctx, req.AccountID, req.RequestID)
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	if rec != nil {
		return o.replay(ctx, rec, model)
	}

	// Moderated(input)
	verdict, err := o.moderator.Check(ctx, req.InputText)
	if err != nil {
		metrics.SpendTotal.WithLabelValues(model, "error").Inc()
		tracer.Fail(span, err)
		return nil, fmt.Errorf("%w: %v", ErrModerationUnavailable, err)
	}
	if !verdict.Pass {
		metrics.SpendTotal.WithLabelValues(model, "rejected").Inc()
		logger.Info(ctx, "input rejected by moderation", "category", verdict.Category)
		return nil, &RejectionError{Stage: stageInput, Category: verdict.Category, Reason: verdict.Reason}
	}

	// Estimated
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = o.cfg.DefaultMaxOutputTokens
	}
	estIn := EstimateTokens(req.InputText)
	maxCost, err := o.calc.EstimateMaxCost(estIn, maxOut, rate)
	if err != nil {
		return nil, err
	}

	// Frozen
	rec, created, err := o.ledger.FreezeOnce(ctx, req.AccountID, req.RequestID, maxCost)
	if err != nil {
		status := "error"
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			status = "insufficient"
		}
		metrics.SpendTotal.WithLabelValues(model, status).Inc()
		tracer.Fail(span, err)
		return nil, err
	}
	if !created {
		return o.replay(ctx, rec, model)
	}

	// Streaming
	genReq := service.GenerationRequest{
		Model:           model,
		Prompt:          req.InputText,
		MaxOutputTokens: maxOut,
		Temperature:     req.Temperature,
	}
	so := o.stream(ctx, genReq, sink)

	usedIn := so.inputTokens
	if usedIn <= 0 {
		usedIn = estIn
	}
	usedOut := so.outputTokens
	if usedOut <= 0 {
		usedOut = utf8.RuneCountInString(so.content)
	}

	// 终态迁移脱离调用方取消，保证冻结不会悬挂
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettleTimeout)
	defer cancel()

	res := &SpendResult{
		RequestID:    req.RequestID,
		Model:        model,
		Frozen:       rec.Amount,
		InputTokens:  usedIn,
		OutputTokens: usedOut,
		Content:      so.content,
	}

	var (
		lres     *ledger.Result
		spendErr error
	)
	callerGone := so.callerGone || ctx.Err() != nil
	switch {
	case so.err != nil && callerGone && so.content != "":
		// 调用方中途断开：按已产生的用量结算
		lres, err = o.settle(termCtx, req, rec, usedIn, usedOut, rate)
		res.Outcome = entity.SpendOutcomeSettled
		spendErr = ErrRequestCancelled
	case so.err != nil && callerGone:
		lres, err = o.ledger.Refund(termCtx, req.AccountID, req.RequestID, rec.Amount)
		res.Outcome = entity.SpendOutcomeRefunded
		spendErr = ErrRequestCancelled
	case so.err != nil && so.timedOut && so.content != "":
		// 生成超时但已向调用方输出内容，同样按已产生的用量结算
		logger.Warn(ctx, "generation timed out after partial output, settling usage", "error", so.err.Error())
		lres, err = o.settle(termCtx, req, rec, usedIn, usedOut, rate)
		res.Outcome = entity.SpendOutcomeSettled
		spendErr = fmt.Errorf("%w: %v", ErrGenerationTimeout, so.err)
	case so.err != nil:
		logger.Warn(ctx, "generation failed, refunding", "error", so.err.Error())
		lres, err = o.ledger.Refund(termCtx, req.AccountID, req.RequestID, rec.Amount)
		res.Outcome = entity.SpendOutcomeRefunded
		spendErr = fmt.Errorf("%w: %v", ErrProviderTransport, so.err)
	default:
		// Moderated(output)
		out, modErr := o.moderator.Check(termCtx, so.content)
		switch {
		case modErr != nil:
			logger.Warn(ctx, "output moderation unavailable, settling normally", "error", modErr.Error())
			lres, err = o.settle(termCtx, req, rec, usedIn, usedOut, rate)
			res.Outcome = entity.SpendOutcomeSettled
		case !out.Pass:
			logger.Warn(ctx, "output rejected by moderation, applying penalty", "category", out.Category)
			lres, err = o.ledger.DeductViolationPenalty(termCtx, req.AccountID, req.RequestID, rec.Amount)
			res.Outcome = entity.SpendOutcomePenalized
			spendErr = &RejectionError{Stage: stageOutput, Category: out.Category, Reason: out.Reason}
		default:
			lres, err = o.settle(termCtx, req, rec, usedIn, usedOut, rate)
			res.Outcome = entity.SpendOutcomeSettled
		}
	}
	// 结算或扣罚失败时退回冻结，退款优先于收费
	if err != nil && res.Outcome != entity.SpendOutcomeRefunded {
		logger.Error(ctx, "terminal ledger transition failed, falling back to refund", err,
			"frozen", rec.Amount,
			"outcome", string(res.Outcome),
		)
		lres, err = o.ledger.Refund(termCtx, req.AccountID, req.RequestID, rec.Amount)
		if err == nil && lres.Status == entity.FreezeStatusRefunded && spendErr == nil {
			spendErr = fmt.Errorf("%w: charge could not be recorded", ErrProviderTransport)
		}
	}
	if err != nil {
		metrics.SpendTotal.WithLabelValues(model, "error").Inc()
		tracer.Fail(span, err)
		logger.Error(ctx, "ALERT terminal ledger transition failed, releasing freeze in background", err,
			"frozen", rec.Amount,
		)
		o.releaseInBackground(ctx, req.AccountID, req.RequestID, rec.Amount)
		return nil, err
	}

	res.Charged = lres.Charged
	res.Outcome = outcomeFromStatus(lres.Status)
	metrics.SpendTotal.WithLabelValues(model, string(res.Outcome)).Inc()
	if res.Charged > 0 {
		chargeType := "settle"
		if res.Outcome == entity.SpendOutcomePenalized {
			chargeType = "penalty"
		}
		metrics.ChargedUnitsTotal.WithLabelValues(model, chargeType).Add(float64(res.Charged))
	}

	o.afterTerminal(termCtx, req, res, time.Since(start))

	if spendErr != nil {
		tracer.Fail(span, spendErr)
	}
	return res, spendErr
}

func (o *Orchestrator) settle(ctx context.Context, req SpendRequest, rec *entity.FreezeRecord, in, out int, rate ModelRate) (*ledger.Result, error) {
	cost, err := o.calc.Cost(in, out, rate)
	if err != nil {
		return nil, err
	}
	return o.ledger.Settle(ctx, req.AccountID, req.RequestID, rec.Amount, cost)
}

type streamOutcome struct {
	content      string
	inputTokens  int
	outputTokens int
	finishReason string
	callerGone   bool
	// timedOut 上游超过 StreamTimeout，调用方仍在线
	timedOut bool
	err      error
}

func (o *Orchestrator) stream(ctx context.Context, req service.GenerationRequest, sink StreamSink) *streamOutcome {
	provider := o.provider.Name()
	start := time.Now()
	so := &streamOutcome{}
	defer func() {
		status := "success"
		if so.err != nil {
			status = "error"
		}
		metrics.LLMCallTotal.WithLabelValues(provider, req.Model, status).Inc()
		metrics.LLMCallDuration.WithLabelValues(provider, req.Model).Observe(time.Since(start).Seconds())
	}()

	streamCtx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
	defer cancel()

	st, err := o.provider.Stream(streamCtx, req)
	if err != nil {
		so.err = err
		return so
	}
	defer st.Close()

	var b strings.Builder
	defer func() { so.content = b.String() }()
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return so
		}
		if err == nil && streamCtx.Err() != nil {
			err = streamCtx.Err()
		}
		if err != nil {
			so.err = err
			so.timedOut = errors.Is(streamCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			return so
		}
		if chunk.InputTokens > 0 {
			so.inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			so.outputTokens = chunk.OutputTokens
		}
		if chunk.FinishReason != "" {
			so.finishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			continue
		}
		b.WriteString(chunk.Delta)
		if sink == nil {
			continue
		}
		if err := sink.Send(chunk.Delta); err != nil {
			so.callerGone = true
			so.err = err
			return so
		}
	}
}

// afterTerminal 终态之后的落库、用量与事件，均为 best-effort
func (o *Orchestrator) afterTerminal(ctx context.Context, req SpendRequest, res *SpendResult, elapsed time.Duration) {
	log := logger.FromContext(ctx)
	provider := o.provider.Name()

	metrics.LLMTokensUsed.WithLabelValues(provider, res.Model, "prompt").Add(float64(res.InputTokens))
	metrics.LLMTokensUsed.WithLabelValues(provider, res.Model, "completion").Add(float64(res.OutputTokens))

	// Enqueued：仅成功结算的轮次进入对话历史
	if o.turns != nil && req.ConversationID != "" && res.Outcome == entity.SpendOutcomeSettled {
		task := &entity.TurnTask{
			ConversationID: req.ConversationID,
			RequestID:      req.RequestID,
			AccountID:      req.AccountID,
			UserTurn:       req.InputText,
			AssistantTurn:  res.Content,
			EnqueueTime:    time.Now(),
		}
		if err := o.turns.Write(ctx, task); err != nil {
			log.Error("failed to hand off conversation turn", "error", err)
		}
	}

	if o.usage != nil {
		err := o.usage.Record(ctx, service.UsageRecord{
			AccountID:        req.AccountID,
			RequestID:        req.RequestID,
			Provider:         provider,
			Model:            res.Model,
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			Cost:             res.Charged,
			Outcome:          res.Outcome,
			Duration:         elapsed,
		})
		if err != nil {
			log.Warn("failed to record llm usage", "error", err)
		}
	}

	if o.events != nil {
		err := o.events.Publish(ctx, service.BillingEvent{
			RequestID:    req.RequestID,
			AccountID:    req.AccountID,
			Model:        res.Model,
			Outcome:      res.Outcome,
			Frozen:       res.Frozen,
			Charged:      res.Charged,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			OccurredAt:   time.Now(),
		})
		if err != nil {
			log.Warn("failed to publish billing event", "error", err)
		}
	}

	log.Info("spend finished",
		"outcome", string(res.Outcome),
		"frozen", res.Frozen,
		"charged", res.Charged,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// releaseInBackground 持续退款直到冻结终结或超出重试窗口
func (o *Orchestrator) releaseInBackground(ctx context.Context, accountID, requestID string, amount int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseRetryWindow)
	o.releases.Add(1)
	go func() {
		defer o.releases.Done()
		defer cancel()

		_, err := backoff.Retry(ctx, func() (*ledger.Result, error) {
			res, err := o.ledger.Refund(ctx, accountID, requestID, amount)
			if errors.Is(err, ledger.ErrFreezeNotFound) {
				return nil, backoff.Permanent(err)
			}
			return res, err
		},
			backoff.WithBackOff(o.releaseBackOff()),
			backoff.WithMaxElapsedTime(releaseRetryWindow),
		)
		if err != nil {
			logger.Error(ctx, "ALERT background release gave up, freeze still active", err, "frozen", amount)
			return
		}
		logger.Info(ctx, "freeze released in background", "frozen", amount)
	}()
}

// Wait 等待后台退款结束，进程退出前调用
func (o *Orchestrator) Wait() {
	o.releases.Wait()
}

// replay 返回已记录的结果
// 超过生成与结算时限仍未终结的冻结视为遗留，直接退回后按退款重放
func (o *Orchestrator) replay(ctx context.Context, rec *entity.FreezeRecord, model string) (*SpendResult, error) {
	if rec.IsActive() {
		if o.now().Sub(rec.CreatedAt) <= o.cfg.StreamTimeout+o.cfg.SettleTimeout {
			return nil, ErrRequestInProgress
		}
		logger.Warn(ctx, "releasing stale freeze on replay", "frozen", rec.Amount, "created_at", rec.CreatedAt)
		lres, err := o.ledger.Refund(ctx, rec.AccountID, rec.RequestID, rec.Amount)
		if err != nil {
			return nil, err
		}
		closed := *rec
		closed.Status = lres.Status
		closed.Charged = lres.Charged
		rec = &closed
	}
	res := &SpendResult{
		RequestID: rec.RequestID,
		Model:     model,
		Outcome:   outcomeFromStatus(rec.Status),
		Frozen:    rec.Amount,
		Charged:   rec.Charged,
		Replayed:  true,
	}
	logger.Info(ctx, "spend replayed", "outcome", string(res.Outcome), "charged", res.Charged)

	switch res.Outcome {
	case entity.SpendOutcomeRefunded:
		return res, fmt.Errorf("%w: replayed refunded request", ErrProviderTransport)
	case entity.SpendOutcomePenalized:
		return res, &RejectionError{Stage: stageOutput, Reason: "replayed penalized request"}
	}
	return res, nil
}

func outcomeFromStatus(s entity.FreezeStatus) entity.SpendOutcome {
	switch s {
	case entity.FreezeStatusRefunded:
		return entity.SpendOutcomeRefunded
	case entity.FreezeStatusPenalized:
		return entity.SpendOutcomePenalized
	default:
		return entity.SpendOutcomeSettled
	}
}
