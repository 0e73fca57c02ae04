package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"OpenCustody-Chain/internal/api"
	"OpenCustody-Chain/internal/chain/provider"
	"OpenCustody-Chain/internal/config"
	"OpenCustody-Chain/internal/keyvault"
	"OpenCustody-Chain/internal/observability/alerting"
	"OpenCustody-Chain/internal/policy"
	"OpenCustody-Chain/internal/wallet"
	"OpenCustody-Chain/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("custodiand 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CUSTODY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "custody.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 初始化签名方：本地加密密钥库或 KMS 模拟器。
	signers, err := createSignerProvider(cfg)
	if err != nil {
		return err
	}
	defer signers.Close()

	// 初始化支出台账与策略引擎。
	ledger, err := createSpendLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	engine, err := policy.NewEngine(policy.SpendCaps{
		MaxPerTransfer: cfg.Policy.MaxPerTransfer,
		MaxPerSwap:     cfg.Policy.MaxPerSwap,
		MaxDailyVolume: cfg.Policy.MaxDailyVolume,
	}, cfg.Policy.AllowedPrograms, ledger)
	if err != nil {
		return err
	}

	// 初始化链客户端注册表。
	registry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		return err
	}

	// 组装告警渠道。
	dispatcher, closeAlerts, err := createAlertDispatcher(cfg)
	if err != nil {
		return err
	}
	defer closeAlerts()

	executor, err := wallet.NewExecutor(client, signers, engine,
		wallet.WithMaxAttempts(cfg.Executor.MaxAttempts),
		wallet.WithPollInterval(cfg.Executor.PollInterval()),
		wallet.WithMaxPollCycles(cfg.Executor.MaxPollCycles),
		wallet.WithAlertDispatcher(dispatcher),
	)
	if err != nil {
		return err
	}

	logger.L().Info("custodiand 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("vault_driver", cfg.Vault.Store.Driver),
		slog.String("ledger_driver", cfg.Policy.Ledger.Driver),
		slog.Any("chains", registry.Chains()),
	)

	server := api.NewServer(cfg.Server.Address, signers, engine, executor)
	return server.Start(ctx)
}

// createSignerProvider 按配置选择签名方实现。
func createSignerProvider(cfg *config.Config) (keyvault.Provider, error) {
	switch cfg.Vault.Store.Driver {
	case "", "memory":
		masterKey, err := cfg.MasterKey()
		if err != nil {
			return nil, err
		}
		return keyvault.NewVault(keyvault.NewMemoryIdentityStore(), masterKey)
	case "mysql":
		masterKey, err := cfg.MasterKey()
		if err != nil {
			return nil, err
		}
		store, err := keyvault.NewMySQLIdentityStore(cfg.Vault.Store.DSN)
		if err != nil {
			return nil, err
		}
		return keyvault.NewVault(store, masterKey)
	case "kms-mock":
		return keyvault.NewMockKMS(), nil
	default:
		return nil, fmt.Errorf("未知的密钥库驱动: %s", cfg.Vault.Store.Driver)
	}
}

// createSpendLedger 按配置选择台账后端。
func createSpendLedger(cfg *config.Config) (policy.SpendLedger, error) {
	switch cfg.Policy.Ledger.Driver {
	case "", "memory":
		return policy.NewMemoryLedger(), nil
	case "mysql":
		return policy.NewMySQLLedger(cfg.Policy.Ledger.DSN)
	case "redis":
		return policy.NewRedisLedger(policy.RedisLedgerConfig{
			Address:   cfg.Policy.Ledger.Redis.Address,
			Password:  cfg.Policy.Ledger.Redis.Password,
			DB:        cfg.Policy.Ledger.Redis.DB,
			KeyPrefix: cfg.Policy.Ledger.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的台账驱动: %s", cfg.Policy.Ledger.Driver)
	}
}

// createAlertDispatcher 组装告警渠道。未配置 AMQP 时只保留日志渠道。
func createAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	closeFn := func() {}

	if cfg.Alerting.AMQP.URL != "" {
		amqpNotifier, err := alerting.NewAMQPNotifier(alerting.AMQPConfig{
			URL:        cfg.Alerting.AMQP.URL,
			Exchange:   cfg.Alerting.AMQP.Exchange,
			RoutingKey: cfg.Alerting.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, amqpNotifier)
		closeFn = func() {
			_ = amqpNotifier.Close()
		}
	}

	return alerting.NewFanout(notifiers...), closeFn, nil
}
