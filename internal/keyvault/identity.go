package keyvault

import (
	"crypto/ed25519"
	"sync"

	xerrors "OpenCustody-Chain/internal/errors"
)

// SchemaVersion 标记身份记录的持久化格式版本，加载器拒绝未知版本。
const SchemaVersion = 1

// Identity 是密钥库持久化的完整身份记录，包含加密后的私钥材料。
type Identity struct {
	AgentID   string          `json:"agent_id"`
	PublicKey string          `json:"public_key"`
	Secret    EncryptedSecret `json:"secret"`
	Version   int             `json:"version"`
	CreatedAt int64           `json:"created_at"`
}

// PublicIdentity 是对外暴露的身份视图，不含任何密钥材料。
type PublicIdentity struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
	CreatedAt int64  `json:"created_at"`
}

// Public 返回身份的公开视图。
func (i *Identity) Public() PublicIdentity {
	return PublicIdentity{
		AgentID:   i.AgentID,
		PublicKey: i.PublicKey,
		CreatedAt: i.CreatedAt,
	}
}

// SigningCapability 是一次性签名能力：恰好支持一次签名操作，
// 使用后私钥材料立即清零，不允许调用方继续持有。
type SigningCapability struct {
	agentID   string
	publicKey string

	mu   sync.Mutex
	priv ed25519.PrivateKey
	used bool
}

func newSigningCapability(agentID, publicKey string, priv ed25519.PrivateKey) *SigningCapability {
	return &SigningCapability{agentID: agentID, publicKey: publicKey, priv: priv}
}

// AgentID 返回能力对应的智能体标识。
func (c *SigningCapability) AgentID() string { return c.agentID }

// PublicKey 返回费用支付方公钥。
func (c *SigningCapability) PublicKey() string { return c.publicKey }

// Sign 对消息签名并销毁私钥材料。第二次调用返回 CAPABILITY_CONSUMED。
func (c *SigningCapability) Sign(message []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used || c.priv == nil {
		return nil, xerrors.New(xerrors.CodeCapabilityConsumed, "")
	}
	signature := ed25519.Sign(c.priv, message)
	zero(c.priv)
	c.priv = nil
	c.used = true
	return signature, nil
}

// Destroy 在未签名的情况下提前销毁能力，幂等。
func (c *SigningCapability) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priv != nil {
		zero(c.priv)
		c.priv = nil
	}
	c.used = true
}
