package policy

import (
	"context"
	"fmt"

	xerrors "OpenCustody-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisLedgerConfig 描述 Redis 台账的连接参数。
type RedisLedgerConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLedger 使用 Redis 持久化每日支出。
// 检查与累加通过 Lua 脚本在服务端原子执行。
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// reserveScript 在 current + amount <= limit 时累加并返回 {total, 1}，
// 否则返回 {current, 0}。键保留三天后过期。
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
    return {current, 0}
end
local total = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], 259200)
return {total, 1}
`)

// NewRedisLedger 创建 Redis 台账实例。
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "custody:spend"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisLedger{client: client, prefix: prefix}, nil
}

func (l *RedisLedger) key(day, agentID string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, day, agentID)
}

// IncrementIfWithin 实现 SpendLedger 接口。
func (l *RedisLedger) IncrementIfWithin(ctx context.Context, day, agentID string, amount, limit uint64) (uint64, bool, error) {
	result, err := reserveScript.Run(ctx, l.client, []string{l.key(day, agentID)}, amount, limit).Slice()
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行台账脚本失败")
	}
	if len(result) != 2 {
		return 0, false, xerrors.New(xerrors.CodeStorageFailure, "台账脚本返回值非法")
	}
	total, ok1 := result[0].(int64)
	within, ok2 := result[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, xerrors.New(xerrors.CodeStorageFailure, "台账脚本返回类型非法")
	}
	return uint64(total), within == 1, nil
}

// Get 返回当前累计值，未知键返回 0。
func (l *RedisLedger) Get(ctx context.Context, day, agentID string) (uint64, error) {
	total, err := l.client.Get(ctx, l.key(day, agentID)).Uint64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询台账失败")
	}
	return total, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

var _ SpendLedger = (*RedisLedger)(nil)
