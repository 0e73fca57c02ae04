package policy

import (
	"context"
	"fmt"
	"log/slog"

	"OpenCustody-Chain/internal/chain"
	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/pkg/logger"
)

// SpendCaps 描述支出上限，在引擎生命周期内不可变。
type SpendCaps struct {
	MaxPerTransfer uint64
	MaxPerSwap     uint64
	MaxDailyVolume uint64
}

// Engine 是无状态的策略决策引擎：白名单与上限来自配置，
// 每日累计支出只通过 SpendLedger 读写，绝不绕过。
type Engine struct {
	caps    SpendCaps
	allowed map[string]struct{}
	ledger  SpendLedger
	log     *slog.Logger
}

// NewEngine 构造策略引擎。
func NewEngine(caps SpendCaps, allowedPrograms []string, ledger SpendLedger) (*Engine, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置支出台账")
	}
	if caps.MaxDailyVolume == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "每日支出上限不能为 0")
	}
	allowed := make(map[string]struct{}, len(allowedPrograms))
	for _, program := range allowedPrograms {
		if program != "" {
			allowed[program] = struct{}{}
		}
	}
	return &Engine{
		caps:    caps,
		allowed: allowed,
		ledger:  ledger,
		log:     logger.Named("policy"),
	}, nil
}

// CheckAllowlist 校验指令批次中引用的全部目标程序。
// 任何一个程序不在白名单内即整批拒绝，不产生任何台账副作用。
func (e *Engine) CheckAllowlist(instructions []chain.Instruction) error {
	if len(instructions) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "指令批次不能为空")
	}
	for _, ix := range instructions {
		if _, ok := e.allowed[ix.ProgramID]; !ok {
			return xerrors.New(xerrors.CodePolicyViolation,
				"目标程序未在白名单: "+ix.ProgramID,
				xerrors.WithMetadata("program_id", ix.ProgramID),
			)
		}
	}
	return nil
}

// ReserveTransfer 校验单笔转账上限并原子预留当日额度。
func (e *Engine) ReserveTransfer(ctx context.Context, agentID string, amount uint64) error {
	if amount > e.caps.MaxPerTransfer {
		return xerrors.New(xerrors.CodePolicyViolation,
			fmt.Sprintf("转账金额 %d 超过单笔上限 %d", amount, e.caps.MaxPerTransfer),
			xerrors.WithMetadata("agent_id", agentID),
		)
	}
	return e.reserveDaily(ctx, agentID, amount, "transfer")
}

// ReserveSwap 校验单笔兑换上限并原子预留当日额度。
func (e *Engine) ReserveSwap(ctx context.Context, agentID string, amount uint64) error {
	if amount > e.caps.MaxPerSwap {
		return xerrors.New(xerrors.CodePolicyViolation,
			fmt.Sprintf("兑换金额 %d 超过单笔上限 %d", amount, e.caps.MaxPerSwap),
			xerrors.WithMetadata("agent_id", agentID),
		)
	}
	return e.reserveDaily(ctx, agentID, amount, "swap")
}

// reserveDaily 通过台账的原子原语完成当日额度预留。
// 预留不会回滚：提交失败后重试需要重新预留，这是有意为之的保守设计。
func (e *Engine) reserveDaily(ctx context.Context, agentID string, amount uint64, kind string) error {
	day := Today()
	total, within, err := e.ledger.IncrementIfWithin(ctx, day, agentID, amount, e.caps.MaxDailyVolume)
	if err != nil {
		return err
	}
	if !within {
		return xerrors.New(xerrors.CodePolicyViolation,
			fmt.Sprintf("当日累计 %d 加 %d 将超过日上限 %d", total, amount, e.caps.MaxDailyVolume),
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("day", day),
		)
	}
	logger.Audit().Info("额度预留成功",
		slog.String("agent_id", agentID),
		slog.String("kind", kind),
		slog.Uint64("amount", amount),
		slog.Uint64("daily_total", total),
	)
	return nil
}

// DailySpend 返回指定智能体当日的累计支出。
func (e *Engine) DailySpend(ctx context.Context, agentID string) (uint64, error) {
	return e.ledger.Get(ctx, Today(), agentID)
}

// Caps 返回配置的支出上限。
func (e *Engine) Caps() SpendCaps {
	return e.caps
}
