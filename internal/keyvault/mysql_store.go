package keyvault

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"OpenCustody-Chain/deploy/migrations"
	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/internal/storage/mysql"

	gomysql "github.com/go-sql-driver/mysql"
)

// MySQLIdentityStore 使用 MySQL 持久化身份记录。
// agent_id 主键保证并发创建时只有一个写入者成功。
type MySQLIdentityStore struct {
	db *sql.DB
}

// NewMySQLIdentityStore 创建 MySQLIdentityStore 并初始化表结构。
func NewMySQLIdentityStore(dsn string) (*MySQLIdentityStore, error) {
	db, err := mysql.Open(dsn)
	if err != nil {
		return nil, err
	}

	store := &MySQLIdentityStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLIdentityStore) initSchema() error {
	return mysql.RunMigrations(s.db, migrations.Files)
}

// Insert 插入新的身份记录。
func (s *MySQLIdentityStore) Insert(ctx context.Context, identity *Identity) error {
	if identity == nil || strings.TrimSpace(identity.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份记录不能为空")
	}

	const stmt = `INSERT INTO agent_identities
        (agent_id, public_key, kdf, salt, nonce, ciphertext, version, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		identity.AgentID,
		identity.PublicKey,
		identity.Secret.KDF,
		identity.Secret.Salt,
		identity.Secret.Nonce,
		identity.Secret.Ciphertext,
		identity.Version,
		identity.CreatedAt,
	)
	if err != nil {
		var mysqlErr *gomysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrIdentityConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入身份记录失败")
	}
	return nil
}

// Get 查询指定身份记录，未知版本一律拒绝。
func (s *MySQLIdentityStore) Get(ctx context.Context, agentID string) (*Identity, error) {
	const stmt = `SELECT agent_id, public_key, kdf, salt, nonce, ciphertext, version, created_at
        FROM agent_identities WHERE agent_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, agentID)

	var identity Identity
	if err := row.Scan(
		&identity.AgentID,
		&identity.PublicKey,
		&identity.Secret.KDF,
		&identity.Secret.Salt,
		&identity.Secret.Nonce,
		&identity.Secret.Ciphertext,
		&identity.Version,
		&identity.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份记录失败")
	}
	if identity.Version != SchemaVersion {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "不支持的身份记录版本")
	}
	return &identity, nil
}

// List 返回全部身份的公开视图。
func (s *MySQLIdentityStore) List(ctx context.Context) ([]PublicIdentity, error) {
	const stmt = `SELECT agent_id, public_key, created_at FROM agent_identities ORDER BY created_at ASC, agent_id ASC`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份列表失败")
	}
	defer rows.Close()

	results := make([]PublicIdentity, 0, 16)
	for rows.Next() {
		var identity PublicIdentity
		if err := rows.Scan(&identity.AgentID, &identity.PublicKey, &identity.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析身份记录失败")
		}
		results = append(results, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历身份记录失败")
	}
	return results, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ IdentityStore = (*MySQLIdentityStore)(nil)
