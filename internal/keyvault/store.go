package keyvault

import (
	"context"

	xerrors "OpenCustody-Chain/internal/errors"
)

var (
	// ErrIdentityNotFound 表示指定的智能体身份不存在。
	ErrIdentityNotFound = xerrors.New(xerrors.CodeIdentityNotFound, "")
	// ErrIdentityConflict 表示同一标识的身份记录已经存在。
	ErrIdentityConflict = xerrors.New(xerrors.CodeConflict, "agent identity already exists")
)

// IdentityStore 抽象了身份记录的持久化接口。
// 实现必须保证 Insert 对同一 agent_id 的并发调用只有一个成功。
type IdentityStore interface {
	Insert(ctx context.Context, identity *Identity) error
	Get(ctx context.Context, agentID string) (*Identity, error)
	List(ctx context.Context) ([]PublicIdentity, error)
	Close() error
}
