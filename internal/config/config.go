package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了托管守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Vault    VaultConfig    `json:"vault"`
	Policy   PolicyConfig   `json:"policy"`
	Chain    ChainConfig    `json:"chain"`
	Executor ExecutorConfig `json:"executor"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StoreConfig 统一描述各类持久化后端的驱动与连接信息。
type StoreConfig struct {
	Driver string      `json:"driver"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// VaultConfig 描述密钥库的存储后端与主密钥来源。
// 主密钥永远不写入配置文件，只通过环境变量注入。
type VaultConfig struct {
	Store        StoreConfig `json:"store"`
	MasterKeyEnv string      `json:"master_key_env"`
}

// PolicyConfig 描述支出上限、程序白名单与支出台账后端。
type PolicyConfig struct {
	MaxPerTransfer  uint64      `json:"max_per_transfer"`
	MaxPerSwap      uint64      `json:"max_per_swap"`
	MaxDailyVolume  uint64      `json:"max_daily_volume"`
	AllowedPrograms []string    `json:"allowed_programs"`
	Ledger          StoreConfig `json:"ledger"`
}

// ChainConfig 包含访问链节点所需的端点信息。
type ChainConfig struct {
	EndpointConfig string `json:"endpoint_config"`
	DefaultChain   string `json:"default_chain"`
	RPCURL         string `json:"rpc_url"`
}

// ExecutorConfig 控制交易执行器的重试与确认预算。
type ExecutorConfig struct {
	MaxAttempts        int `json:"max_attempts"`
	PollIntervalMillis int `json:"poll_interval_ms"`
	MaxPollCycles      int `json:"max_poll_cycles"`
}

// PollInterval 返回确认轮询间隔。
func (c ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// LoggingConfig 描述日志与审计输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// AlertingConfig 描述告警投递方式，目前支持 AMQP 一种渠道。
type AlertingConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig 描述 RabbitMQ 告警通道的连接参数。
type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// MasterKey 从环境变量读取主密钥。密钥长度不足视为配置错误。
func (c *Config) MasterKey() (string, error) {
	env := c.Vault.MasterKeyEnv
	if env == "" {
		env = "CUSTODY_MASTER_KEY"
	}
	key := strings.TrimSpace(os.Getenv(env))
	if len(key) < 32 {
		return "", fmt.Errorf("环境变量 %s 未设置或主密钥长度不足 32 字节", env)
	}
	return key, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Vault.Store.Driver == "" {
		c.Vault.Store.Driver = "memory"
	}
	if c.Vault.MasterKeyEnv == "" {
		c.Vault.MasterKeyEnv = "CUSTODY_MASTER_KEY"
	}

	if c.Policy.Ledger.Driver == "" {
		c.Policy.Ledger.Driver = "memory"
	}
	if c.Policy.Ledger.Redis.KeyPrefix == "" {
		c.Policy.Ledger.Redis.KeyPrefix = "custody:spend"
	}

	if c.Chain.EndpointConfig != "" && !filepath.IsAbs(c.Chain.EndpointConfig) {
		c.Chain.EndpointConfig = filepath.Join(baseDir, c.Chain.EndpointConfig)
	}

	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.PollIntervalMillis <= 0 {
		c.Executor.PollIntervalMillis = 1000
	}
	if c.Executor.MaxPollCycles <= 0 {
		c.Executor.MaxPollCycles = 40
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
