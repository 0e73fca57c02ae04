package policy

import (
	"context"
	"time"
)

// LedgerSchemaVersion 标记支出台账记录的持久化格式版本。
const LedgerSchemaVersion = 1

// SpendLedger 抽象了按 (日期, 智能体) 维度累计支出的持久化接口。
//
// IncrementIfWithin 是核心原语：检查与累加必须是同一个原子操作，
// 对同一键的并发调用必须表现为串行历史，否则并发下日上限会被突破。
// 累计值只增不减，跨天通过新键实现清零。
type SpendLedger interface {
	IncrementIfWithin(ctx context.Context, day, agentID string, amount, limit uint64) (newTotal uint64, within bool, err error)
	Get(ctx context.Context, day, agentID string) (uint64, error)
	Close() error
}

// Today 返回 UTC 日历日，作为台账的日期键。
// 固定使用 UTC，避免本地时区偏移让支出跨逻辑日泄漏。
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}
