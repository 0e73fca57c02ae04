package policy

import (
	"context"
	"sync"
)

// MemoryLedger 以内存方式累计支出，互斥锁保证检查与累加的原子性。
// 不具备持久性，主要用于测试与开发环境。
type MemoryLedger struct {
	mu     sync.Mutex
	totals map[string]uint64
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{totals: make(map[string]uint64)}
}

func ledgerKey(day, agentID string) string {
	return day + "/" + agentID
}

// IncrementIfWithin 实现 SpendLedger 接口。
func (m *MemoryLedger) IncrementIfWithin(_ context.Context, day, agentID string, amount, limit uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledgerKey(day, agentID)
	current := m.totals[key]
	next := current + amount
	if next < current || next > limit {
		return current, false, nil
	}
	m.totals[key] = next
	return next, true, nil
}

// Get 返回当前累计值，未知键返回 0。
func (m *MemoryLedger) Get(_ context.Context, day, agentID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[ledgerKey(day, agentID)], nil
}

// Close 对内存台账无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

var _ SpendLedger = (*MemoryLedger)(nil)
