package keyvault

import "context"

// Provider 是签名方能力面，由调度层消费。
// 本地加密密钥库与外部 KMS 都是该接口的实现。
type Provider interface {
	CreateIdentity(ctx context.Context) (PublicIdentity, error)
	Resolve(ctx context.Context, agentID string) (*SigningCapability, error)
	ListIdentities(ctx context.Context) ([]PublicIdentity, error)
	Close() error
}
