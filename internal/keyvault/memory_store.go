package keyvault

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenCustody-Chain/internal/errors"
)

// MemoryIdentityStore 以内存方式保存身份记录，主要用于测试与开发环境。
// 互斥锁独占全部读写，满足并发创建身份时的原子性要求。
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

// NewMemoryIdentityStore 创建 MemoryIdentityStore。
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]*Identity)}
}

// Insert 实现 IdentityStore 接口。
func (m *MemoryIdentityStore) Insert(_ context.Context, identity *Identity) error {
	if identity == nil || identity.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identity.AgentID]; ok {
		return ErrIdentityConflict
	}
	clone := cloneIdentity(identity)
	m.identities[identity.AgentID] = clone
	return nil
}

// Get 返回指定身份记录。
func (m *MemoryIdentityStore) Get(_ context.Context, agentID string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[agentID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	if identity.Version != SchemaVersion {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "不支持的身份记录版本")
	}
	return cloneIdentity(identity), nil
}

// List 返回全部身份的公开视图，按创建时间排序。
func (m *MemoryIdentityStore) List(_ context.Context) ([]PublicIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]PublicIdentity, 0, len(m.identities))
	for _, identity := range m.identities {
		results = append(results, identity.Public())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].AgentID < results[j].AgentID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryIdentityStore) Close() error {
	return nil
}

func cloneIdentity(identity *Identity) *Identity {
	clone := *identity
	clone.Secret.Salt = append([]byte(nil), identity.Secret.Salt...)
	clone.Secret.Nonce = append([]byte(nil), identity.Secret.Nonce...)
	clone.Secret.Ciphertext = append([]byte(nil), identity.Secret.Ciphertext...)
	return &clone
}

var _ IdentityStore = (*MemoryIdentityStore)(nil)
