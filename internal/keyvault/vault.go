package keyvault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Vault 负责身份的创建与解析：生成密钥对、用主密钥封装私钥材料、
// 持久化身份记录，并在签名时临时解封为一次性签名能力。
type Vault struct {
	store     IdentityStore
	masterKey string
	log       *slog.Logger
}

// NewVault 构造 Vault。主密钥长度不足视为配置错误。
func NewVault(store IdentityStore, masterKey string) (*Vault, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份存储")
	}
	if len(strings.TrimSpace(masterKey)) < 32 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "主密钥长度不足 32 字节")
	}
	return &Vault{store: store, masterKey: masterKey, log: logger.Named("keyvault")}, nil
}

// CreateIdentity 生成新的智能体身份：新密钥对、新盐、新随机数。
func (v *Vault) CreateIdentity(ctx context.Context) (PublicIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicIdentity{}, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "生成密钥对失败")
	}
	defer zero(priv)

	sealed, err := sealSecret(priv, v.masterKey)
	if err != nil {
		return PublicIdentity{}, err
	}

	identity := &Identity{
		AgentID:   "agent-" + uuid.NewString(),
		PublicKey: hexutil.Encode(pub),
		Secret:    sealed,
		Version:   SchemaVersion,
		CreatedAt: time.Now().Unix(),
	}
	if err := v.store.Insert(ctx, identity); err != nil {
		return PublicIdentity{}, err
	}

	logger.Audit().Info("身份创建成功",
		slog.String("agent_id", identity.AgentID),
		slog.String("public_key", identity.PublicKey),
	)
	return identity.Public(), nil
}

// Resolve 解析身份并返回一次性签名能力。
// 身份不存在返回 IDENTITY_NOT_FOUND；认证标签校验失败返回 DECRYPTION_FAILURE，
// 两者绝不混淆：后者意味着主密钥错误或存储被破坏，属于致命错误。
func (v *Vault) Resolve(ctx context.Context, agentID string) (*SigningCapability, error) {
	identity, err := v.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	secret, err := openSecret(identity.Secret, v.masterKey)
	if err != nil {
		v.log.Error("解封密钥材料失败", slog.Any("error", err), slog.String("agent_id", agentID))
		return nil, err
	}
	if len(secret) != ed25519.PrivateKeySize {
		zero(secret)
		return nil, xerrors.New(xerrors.CodeDecryptionFailure, "解封后的密钥材料长度非法")
	}
	return newSigningCapability(agentID, identity.PublicKey, ed25519.PrivateKey(secret)), nil
}

// ListIdentities 返回全部身份的公开视图，不含密钥材料。
func (v *Vault) ListIdentities(ctx context.Context) ([]PublicIdentity, error) {
	return v.store.List(ctx)
}

// Close 释放底层存储资源。
func (v *Vault) Close() error {
	if v == nil || v.store == nil {
		return nil
	}
	return v.store.Close()
}

var _ Provider = (*Vault)(nil)
