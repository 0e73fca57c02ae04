package policy

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"OpenCustody-Chain/deploy/migrations"
	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/internal/storage/mysql"
)

// MySQLLedger 使用 MySQL 持久化每日支出。
// 条件 UPDATE 配合 RowsAffected 让检查与累加落在同一条语句里，
// InnoDB 行锁保证同一 (day, agent_id) 键上的串行历史。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建 MySQLLedger 并初始化表结构。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
	db, err := mysql.Open(dsn)
	if err != nil {
		return nil, err
	}

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	return mysql.RunMigrations(l.db, migrations.Files)
}

// IncrementIfWithin 实现 SpendLedger 接口。
func (l *MySQLLedger) IncrementIfWithin(ctx context.Context, day, agentID string, amount, limit uint64) (uint64, bool, error) {
	if strings.TrimSpace(day) == "" || strings.TrimSpace(agentID) == "" {
		return 0, false, xerrors.New(xerrors.CodeInvalidArgument, "台账键不能为空")
	}

	// 确保行存在后，再用条件 UPDATE 完成原子的检查与累加。
	const insertStmt = `INSERT IGNORE INTO daily_spend (spend_day, agent_id, amount, version) VALUES (?, ?, 0, ?)`
	if _, err := l.db.ExecContext(ctx, insertStmt, day, agentID, LedgerSchemaVersion); err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化台账记录失败")
	}

	const updateStmt = `UPDATE daily_spend SET amount = amount + ?
        WHERE spend_day = ? AND agent_id = ? AND amount + ? <= ?`
	res, err := l.db.ExecContext(ctx, updateStmt, amount, day, agentID, amount, limit)
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加台账失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	total, err := l.Get(ctx, day, agentID)
	if err != nil {
		return 0, false, err
	}
	return total, affected > 0, nil
}

// Get 返回当前累计值，未知键返回 0。
func (l *MySQLLedger) Get(ctx context.Context, day, agentID string) (uint64, error) {
	const stmt = `SELECT amount, version FROM daily_spend WHERE spend_day = ? AND agent_id = ?`

	var amount uint64
	var version int
	if err := l.db.QueryRowContext(ctx, stmt, day, agentID).Scan(&amount, &version); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询台账失败")
	}
	if version != LedgerSchemaVersion {
		return 0, xerrors.New(xerrors.CodeStorageFailure, "不支持的台账记录版本")
	}
	return amount, nil
}

// Close 关闭底层数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ SpendLedger = (*MySQLLedger)(nil)
