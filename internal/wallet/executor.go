package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenCustody-Chain/internal/chain"
	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/internal/keyvault"
	"OpenCustody-Chain/internal/observability/alerting"
	"OpenCustody-Chain/internal/policy"
	"OpenCustody-Chain/pkg/logger"
)

// ActionKind 区分请求的策略类别，决定套用哪一个单笔上限。
type ActionKind string

const (
	// KindTransfer 按转账上限校验。
	KindTransfer ActionKind = "transfer"
	// KindSwap 按兑换上限校验。
	KindSwap ActionKind = "swap"
	// KindGeneric 不消耗金额额度，仅做白名单校验。
	KindGeneric ActionKind = "generic"
)

// 执行参数默认值。
const (
	defaultMaxAttempts   = 3
	defaultPollInterval  = time.Second
	defaultMaxPollCycles = 40
)

// Request 描述一次待执行的交易请求。
type Request struct {
	AgentID      string              `json:"agent_id"`
	Kind         ActionKind          `json:"kind"`
	Amount       uint64              `json:"amount"`
	Instructions []chain.Instruction `json:"instructions"`
}

// Receipt 是确认成功后的执行回执。
type Receipt struct {
	AgentID      string `json:"agent_id"`
	SubmissionID string `json:"submission_id"`
	Attempts     int    `json:"attempts"`
}

// Executor 按固定状态机执行交易：
// 策略审批 -> 组装 -> 模拟 -> 签名 -> 提交 -> 轮询确认。
// 同一智能体的请求串行执行，不同智能体之间并发。
type Executor struct {
	client  chain.Client
	signers keyvault.Provider
	engine  *policy.Engine
	alerts  alerting.Dispatcher
	log     *slog.Logger

	maxAttempts   int
	pollInterval  time.Duration
	maxPollCycles int

	mu     sync.Mutex
	agents map[string]*sync.Mutex
}

// Option 定义执行器的可选配置。
type Option func(*Executor)

// WithMaxAttempts 设置单次请求的最大构建尝试次数。
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithPollInterval 设置确认轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMaxPollCycles 设置单次提交的最大轮询次数。
func WithMaxPollCycles(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxPollCycles = n
		}
	}
}

// WithAlertDispatcher 注入告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerts = d
	}
}

// NewExecutor 创建交易执行器。
func NewExecutor(client chain.Client, signers keyvault.Provider, engine *policy.Engine, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	if signers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置签名方")
	}
	if engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置策略引擎")
	}
	e := &Executor{
		client:        client,
		signers:       signers,
		engine:        engine,
		log:           logger.Named("wallet"),
		maxAttempts:   defaultMaxAttempts,
		pollInterval:  defaultPollInterval,
		maxPollCycles: defaultMaxPollCycles,
		agents:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// agentLock 返回智能体对应的互斥锁，按需创建。
func (e *Executor) agentLock(agentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.agents[agentID]
	if !ok {
		lock = &sync.Mutex{}
		e.agents[agentID] = lock
	}
	return lock
}

// Submit 执行一次交易请求直至确认、失败或重试耗尽。
// blockhash 过期是唯一自动重试的失败，每次重试重新走完整流水线，
// 包括重新审批额度；已预留的额度不回滚。
func (e *Executor) Submit(ctx context.Context, req Request) (Receipt, error) {
	if err := validateRequest(req); err != nil {
		return Receipt{}, err
	}

	lock := e.agentLock(req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "请求已取消",
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("agent_id", req.AgentID),
			)
		}

		if err := e.approve(ctx, req); err != nil {
			e.notify(ctx, req, "", attempt, err)
			return Receipt{}, err
		}

		submissionID, err := e.attempt(ctx, req)
		if err == nil {
			logger.Audit().Info("交易确认成功",
				slog.String("agent_id", req.AgentID),
				slog.String("submission_id", submissionID),
				slog.String("kind", string(req.Kind)),
				slog.Uint64("amount", req.Amount),
				slog.Int("attempts", attempt),
			)
			return Receipt{AgentID: req.AgentID, SubmissionID: submissionID, Attempts: attempt}, nil
		}

		lastErr = err
		if !xerrors.RetryableError(err) {
			e.notify(ctx, req, submissionID, attempt, err)
			return Receipt{}, err
		}
		if attempt < e.maxAttempts {
			e.log.Warn("交易尝试失败，准备重试",
				slog.String("agent_id", req.AgentID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	final := xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("%d 次尝试后仍未确认", e.maxAttempts),
		xerrors.WithMetadata("agent_id", req.AgentID),
	)
	e.notify(ctx, req, "", e.maxAttempts, final)
	return Receipt{}, final
}

// approve 执行策略审批：先白名单，后额度预留。
func (e *Executor) approve(ctx context.Context, req Request) error {
	if err := e.engine.CheckAllowlist(req.Instructions); err != nil {
		return err
	}
	switch req.Kind {
	case KindTransfer:
		return e.engine.ReserveTransfer(ctx, req.AgentID, req.Amount)
	case KindSwap:
		return e.engine.ReserveSwap(ctx, req.AgentID, req.Amount)
	case KindGeneric:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的请求类别: "+string(req.Kind))
	}
}

// attempt 执行一次完整的组装、模拟、签名、提交与确认。
func (e *Executor) attempt(ctx context.Context, req Request) (string, error) {
	bh, err := e.client.LatestBlockhash(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainUnavailable, err, "获取最新 blockhash 失败")
	}

	capability, err := e.signers.Resolve(ctx, req.AgentID)
	if err != nil {
		return "", err
	}
	defer capability.Destroy()

	message, err := buildMessage(capability.PublicKey(), bh, req.Instructions)
	if err != nil {
		return "", err
	}

	sim, err := e.client.Simulate(ctx, message)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainUnavailable, err, "模拟交易失败")
	}
	if sim.Err != "" {
		if isStaleRecency(sim.Err) {
			return "", xerrors.New(xerrors.CodeSubmissionExpired,
				"模拟阶段 blockhash 已过期: "+sim.Err)
		}
		return "", xerrors.New(xerrors.CodeSimulationFailure,
			"模拟执行失败: "+sim.Err,
			xerrors.WithMetadata("agent_id", req.AgentID),
		)
	}

	signature, err := capability.Sign(message)
	if err != nil {
		return "", err
	}
	payload, err := sealMessage(message, signature)
	if err != nil {
		return "", err
	}

	submissionID, err := e.client.Submit(ctx, payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainUnavailable, err, "提交交易失败")
	}
	e.log.Info("交易已提交",
		slog.String("agent_id", req.AgentID),
		slog.String("submission_id", submissionID),
	)

	if err := e.awaitConfirmation(ctx, submissionID, bh.ExpiryHeight); err != nil {
		return submissionID, err
	}
	return submissionID, nil
}

// notify 按错误属性决定是否发送告警。
func (e *Executor) notify(ctx context.Context, req Request, submissionID string, attempts int, err error) {
	if e.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:         xerrors.CodeOf(err),
		Message:      err.Error(),
		Severity:     xerrors.SeverityOf(err),
		AgentID:      req.AgentID,
		SubmissionID: submissionID,
		Attempts:     attempts,
		MaxAttempts:  e.maxAttempts,
		OccurredAt:   time.Now().UTC(),
	}
	if unified, ok := xerrors.From(err); ok {
		event.Metadata = unified.Metadata()
	}
	if notifyErr := e.alerts.Notify(ctx, event); notifyErr != nil {
		e.log.Error("发送告警失败", slog.String("error", notifyErr.Error()))
	}
}

// validateRequest 做入口参数校验。
func validateRequest(req Request) error {
	if strings.TrimSpace(req.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if len(req.Instructions) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "指令批次不能为空")
	}
	switch req.Kind {
	case KindTransfer, KindSwap:
		if req.Amount == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0")
		}
	case KindGeneric:
		if req.Amount != 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "generic 请求不允许携带金额")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的请求类别: "+string(req.Kind))
	}
	return nil
}

// isStaleRecency 判断模拟返回的错误是否由 blockhash 失效导致。
// 不同节点实现的报错文案不统一，这里按关键词宽松匹配。
func isStaleRecency(simErr string) bool {
	lowered := strings.ToLower(simErr)
	if !strings.Contains(lowered, "blockhash") {
		return false
	}
	return strings.Contains(lowered, "expired") ||
		strings.Contains(lowered, "not found") ||
		strings.Contains(lowered, "notfound")
}
