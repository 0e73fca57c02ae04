package keyvault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	xerrors "OpenCustody-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// MockKMS 模拟外部密钥管理服务：密钥只存在于内存中，不落盘、不加密。
// 用于开发环境与测试，生产环境应使用 Vault。
type MockKMS struct {
	mu   sync.RWMutex
	keys map[string]mockKey
}

type mockKey struct {
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
	createdAt int64
}

// NewMockKMS 创建 MockKMS。
func NewMockKMS() *MockKMS {
	return &MockKMS{keys: make(map[string]mockKey)}
}

// CreateIdentity 生成新的内存密钥对。
func (m *MockKMS) CreateIdentity(_ context.Context) (PublicIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicIdentity{}, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "生成密钥对失败")
	}

	agentID := "kms-" + uuid.NewString()
	now := time.Now().Unix()

	m.mu.Lock()
	m.keys[agentID] = mockKey{pub: pub, priv: priv, createdAt: now}
	m.mu.Unlock()

	return PublicIdentity{AgentID: agentID, PublicKey: hexutil.Encode(pub), CreatedAt: now}, nil
}

// Resolve 返回一次性签名能力。
func (m *MockKMS) Resolve(_ context.Context, agentID string) (*SigningCapability, error) {
	m.mu.RLock()
	key, ok := m.keys[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrIdentityNotFound
	}
	// 能力销毁时会清零私钥，必须复制一份。
	priv := make(ed25519.PrivateKey, len(key.priv))
	copy(priv, key.priv)
	return newSigningCapability(agentID, hexutil.Encode(key.pub), priv), nil
}

// ListIdentities 返回全部身份的公开视图。
func (m *MockKMS) ListIdentities(_ context.Context) ([]PublicIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]PublicIdentity, 0, len(m.keys))
	for agentID, key := range m.keys {
		results = append(results, PublicIdentity{
			AgentID:   agentID,
			PublicKey: hexutil.Encode(key.pub),
			CreatedAt: key.createdAt,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].AgentID < results[j].AgentID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Close 对内存实现无需操作。
func (m *MockKMS) Close() error {
	return nil
}

var _ Provider = (*MockKMS)(nil)
