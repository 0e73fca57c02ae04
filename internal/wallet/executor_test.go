package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"OpenCustody-Chain/internal/chain"
	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/internal/keyvault"
	"OpenCustody-Chain/internal/observability/alerting"
	"OpenCustody-Chain/internal/policy"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// fakeChain 按预置的脚本响应链调用。切片耗尽后重复最后一个值。
type fakeChain struct {
	mu sync.Mutex

	expiryHeight uint64
	simResults   []chain.SimulationResult
	heights      []uint64
	statuses     []chain.SignatureStatus

	blockhashCalls int
	submitCalls    int
	lastSimulated  []byte
	lastSubmitted  []byte
}

func (f *fakeChain) LatestBlockhash(context.Context) (chain.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashCalls++
	return chain.Blockhash{
		Hash:         fmt.Sprintf("hash-%d", f.blockhashCalls),
		ExpiryHeight: f.expiryHeight,
	}, nil
}

func (f *fakeChain) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heights) == 0 {
		return 0, nil
	}
	height := f.heights[0]
	if len(f.heights) > 1 {
		f.heights = f.heights[1:]
	}
	return height, nil
}

func (f *fakeChain) Simulate(_ context.Context, payload []byte) (chain.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSimulated = append([]byte(nil), payload...)
	if len(f.simResults) == 0 {
		return chain.SimulationResult{}, nil
	}
	result := f.simResults[0]
	f.simResults = f.simResults[1:]
	return result, nil
}

func (f *fakeChain) Submit(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.lastSubmitted = append([]byte(nil), payload...)
	return fmt.Sprintf("sub-%d", f.submitCalls), nil
}

func (f *fakeChain) SignatureStatus(context.Context, string) (chain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return chain.SignatureStatus{State: chain.StatePending}, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeChain) Close() {}

var _ chain.Client = (*fakeChain)(nil)

// fakeDispatcher 记录收到的告警事件。
type fakeDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *fakeDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

type testRig struct {
	executor *Executor
	client   *fakeChain
	signers  *keyvault.MockKMS
	engine   *policy.Engine
	alerts   *fakeDispatcher
	agentID  string
	pubKey   ed25519.PublicKey
}

func newTestRig(t *testing.T, client *fakeChain, opts ...Option) *testRig {
	t.Helper()

	signers := keyvault.NewMockKMS()
	identity, err := signers.CreateIdentity(context.Background())
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	rawPub, err := hexutil.Decode(identity.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}

	engine, err := policy.NewEngine(policy.SpendCaps{
		MaxPerTransfer: 2000,
		MaxPerSwap:     1000,
		MaxDailyVolume: 5000,
	}, []string{"prog-1", "prog-2"}, policy.NewMemoryLedger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	alerts := &fakeDispatcher{}
	base := []Option{
		WithPollInterval(time.Millisecond),
		WithMaxPollCycles(5),
		WithMaxAttempts(3),
		WithAlertDispatcher(alerts),
	}
	executor, err := NewExecutor(client, signers, engine, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return &testRig{
		executor: executor,
		client:   client,
		signers:  signers,
		engine:   engine,
		alerts:   alerts,
		agentID:  identity.AgentID,
		pubKey:   ed25519.PublicKey(rawPub),
	}
}

func transferRequest(agentID string, amount uint64) Request {
	return Request{
		AgentID:      agentID,
		Kind:         KindTransfer,
		Amount:       amount,
		Instructions: []chain.Instruction{{ProgramID: "prog-1", Data: []byte{1, 2, 3}}},
	}
}

func TestSubmitConfirmsAndRecordsSpend(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		heights:      []uint64{10, 11},
		statuses: []chain.SignatureStatus{
			{State: chain.StatePending},
			{State: chain.StateConfirmed},
		},
	}
	rig := newTestRig(t, client)
	ctx := context.Background()

	receipt, err := rig.executor.Submit(ctx, transferRequest(rig.agentID, 1000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.SubmissionID != "sub-1" {
		t.Fatalf("unexpected submission id: %s", receipt.SubmissionID)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", receipt.Attempts)
	}

	total, err := rig.engine.DailySpend(ctx, rig.agentID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if total != 1000 {
		t.Fatalf("expected ledger total 1000, got %d", total)
	}

	// 提交载荷中的签名必须能用公布的公钥验证，且覆盖模拟过的原始消息。
	var sealed signedPayload
	if err := json.Unmarshal(client.lastSubmitted, &sealed); err != nil {
		t.Fatalf("decode submitted payload: %v", err)
	}
	signature, err := base64.StdEncoding.DecodeString(sealed.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if string(sealed.Message) != string(client.lastSimulated) {
		t.Fatal("submitted message differs from simulated message")
	}
	if !ed25519.Verify(rig.pubKey, sealed.Message, signature) {
		t.Fatal("signature does not verify")
	}
}

func TestExpiredSubmissionIsRebuiltOnce(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		// 第一次尝试：高度越过有效期；第二次尝试：高度正常。
		heights: []uint64{101, 50},
		statuses: []chain.SignatureStatus{
			{State: chain.StatePending},
			{State: chain.StateConfirmed},
		},
	}
	rig := newTestRig(t, client)
	ctx := context.Background()

	receipt, err := rig.executor.Submit(ctx, transferRequest(rig.agentID, 1000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", receipt.Attempts)
	}
	if client.blockhashCalls != 2 {
		t.Fatalf("expected 2 blockhash fetches, got %d", client.blockhashCalls)
	}

	// 每次尝试都重新预留额度，失败的尝试不回滚。
	total, err := rig.engine.DailySpend(ctx, rig.agentID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if total != 2000 {
		t.Fatalf("expected ledger total 2000 after retry, got %d", total)
	}
}

func TestSimulationFailureIsNotRetried(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		simResults:   []chain.SimulationResult{{Err: "custom program error: insufficient funds"}},
	}
	rig := newTestRig(t, client)

	_, err := rig.executor.Submit(context.Background(), transferRequest(rig.agentID, 1000))
	if code := xerrors.CodeOf(err); code != xerrors.CodeSimulationFailure {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	if client.blockhashCalls != 1 {
		t.Fatalf("expected single attempt, got %d", client.blockhashCalls)
	}
	if client.submitCalls != 0 {
		t.Fatalf("failed simulation must not submit, got %d submits", client.submitCalls)
	}
}

func TestStaleBlockhashInSimulationTriggersRebuild(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		simResults: []chain.SimulationResult{
			{Err: "Blockhash not found"},
			{},
		},
		statuses: []chain.SignatureStatus{{State: chain.StateFinalized}},
	}
	rig := newTestRig(t, client)

	receipt, err := rig.executor.Submit(context.Background(), transferRequest(rig.agentID, 500))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", receipt.Attempts)
	}
	if client.submitCalls != 1 {
		t.Fatalf("expected single submit, got %d", client.submitCalls)
	}
}

func TestOnChainFailureStopsImmediately(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		statuses:     []chain.SignatureStatus{{State: chain.StateFailed, Err: "custom program error: 0x1"}},
	}
	rig := newTestRig(t, client)

	_, err := rig.executor.Submit(context.Background(), transferRequest(rig.agentID, 1000))
	if code := xerrors.CodeOf(err); code != xerrors.CodeSubmissionFailure {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if client.blockhashCalls != 1 {
		t.Fatalf("on-chain failure must not be retried, got %d attempts", client.blockhashCalls)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		// 高度永不越过有效期，状态一直 pending，只能耗尽轮询预算。
	}
	rig := newTestRig(t, client, WithMaxAttempts(2), WithMaxPollCycles(2))

	_, err := rig.executor.Submit(context.Background(), transferRequest(rig.agentID, 100))
	if code := xerrors.CodeOf(err); code != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if client.blockhashCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.blockhashCalls)
	}
}

func TestPolicyViolationNeverReachesChain(t *testing.T) {
	client := &fakeChain{expiryHeight: 100}
	rig := newTestRig(t, client)
	ctx := context.Background()

	// 金额越过单笔上限。
	_, err := rig.executor.Submit(ctx, transferRequest(rig.agentID, 2001))
	if code := xerrors.CodeOf(err); code != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}

	// 白名单之外的目标程序。
	req := transferRequest(rig.agentID, 100)
	req.Instructions = []chain.Instruction{{ProgramID: "prog-evil"}}
	_, err = rig.executor.Submit(ctx, req)
	if code := xerrors.CodeOf(err); code != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}

	if client.blockhashCalls != 0 {
		t.Fatalf("rejected request must not touch the chain, got %d calls", client.blockhashCalls)
	}
	total, err := rig.engine.DailySpend(ctx, rig.agentID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected zero spend, got %d", total)
	}

	rig.alerts.mu.Lock()
	defer rig.alerts.mu.Unlock()
	if len(rig.alerts.events) != 2 {
		t.Fatalf("expected 2 alert events, got %d", len(rig.alerts.events))
	}
	if rig.alerts.events[0].Code != xerrors.CodePolicyViolation {
		t.Fatalf("unexpected alert code: %s", rig.alerts.events[0].Code)
	}
}

func TestGenericRequestSkipsSpendReservation(t *testing.T) {
	client := &fakeChain{
		expiryHeight: 100,
		statuses:     []chain.SignatureStatus{{State: chain.StateConfirmed}},
	}
	rig := newTestRig(t, client)
	ctx := context.Background()

	req := Request{
		AgentID:      rig.agentID,
		Kind:         KindGeneric,
		Instructions: []chain.Instruction{{ProgramID: "prog-2"}},
	}
	if _, err := rig.executor.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	total, err := rig.engine.DailySpend(ctx, rig.agentID)
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if total != 0 {
		t.Fatalf("generic request must not consume budget, got %d", total)
	}
}

func TestCanceledContextStopsBeforeChain(t *testing.T) {
	client := &fakeChain{expiryHeight: 100}
	rig := newTestRig(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.executor.Submit(ctx, transferRequest(rig.agentID, 100))
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if xerrors.RetryableError(err) {
		t.Fatal("cancellation must not be marked retryable")
	}
	if client.blockhashCalls != 0 {
		t.Fatalf("canceled request must not touch the chain, got %d calls", client.blockhashCalls)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"empty-agent", Request{Kind: KindTransfer, Amount: 1, Instructions: []chain.Instruction{{ProgramID: "p"}}}},
		{"no-instructions", Request{AgentID: "a", Kind: KindTransfer, Amount: 1}},
		{"zero-amount-transfer", Request{AgentID: "a", Kind: KindTransfer, Instructions: []chain.Instruction{{ProgramID: "p"}}}},
		{"generic-with-amount", Request{AgentID: "a", Kind: KindGeneric, Amount: 5, Instructions: []chain.Instruction{{ProgramID: "p"}}}},
		{"unknown-kind", Request{AgentID: "a", Kind: "stake", Amount: 1, Instructions: []chain.Instruction{{ProgramID: "p"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateRequest(tc.req); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestIsStaleRecency(t *testing.T) {
	cases := map[string]bool{
		"Blockhash not found":               true,
		"blockhash expired":                 true,
		"BlockhashNotFound":                 true,
		"custom program error: 0x1":         false,
		"account not found":                 false,
		"transaction signature unverified ": false,
	}
	for input, want := range cases {
		if got := isStaleRecency(input); got != want {
			t.Fatalf("isStaleRecency(%q) = %v, want %v", input, got, want)
		}
	}
}
