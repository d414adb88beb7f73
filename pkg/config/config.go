// 文件: pkg/config/config.go
// 环境变量配置
//
// 所有配置从环境变量读取，数值类有默认值。
// WALLET_ENCRYPTION_KEY 是唯一的硬性要求: hex 编码的 32 字节密钥，
// 缺失或解不出 32 字节直接拒绝启动。

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingWalletKey 钱包加密密钥缺失或格式错误
var ErrMissingWalletKey = errors.New("WALLET_ENCRYPTION_KEY must be 64 hex chars (32 bytes)")

// Config 进程配置
type Config struct {
	// 基础设施
	MySQLDSN     string
	RedisAddr    string
	RedisDB      int
	KafkaBrokers []string // 空则不启用 Kafka 流水导出
	NatsURL      string   // 空则不启用 NATS
	NodeID       int64    // snowflake 节点号

	// 钱包
	WalletEncryptionKey []byte // 32 字节，AES-256-GCM

	// 交易
	PaymentWindow  time.Duration
	ConfirmWindow  time.Duration
	NewUserHolding time.Duration
	PlatformVerify time.Duration
	TakerFeePct    decimal.Decimal
	SpreadPct      decimal.Decimal

	// 提现
	AutoApproveCadLimit decimal.Decimal
	DailyLimitCad       decimal.Decimal
	MonthlyLimitCad     decimal.Decimal
	WithdrawalCooldown  time.Duration
	AddressCooldown     time.Duration

	// 定时任务
	DepositScanInterval         time.Duration
	WithdrawalBroadcastInterval time.Duration
}

// Load 读取并校验环境变量
func Load() (*Config, error) {
	raw := os.Getenv("WALLET_ENCRYPTION_KEY")
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d chars", ErrMissingWalletKey, len(raw))
	}

	cfg := &Config{
		MySQLDSN:  envStr("MYSQL_DSN", "root:root@tcp(127.0.0.1:3306)/maplex?charset=utf8mb4&parseTime=True&loc=Local"),
		RedisAddr: envStr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:   int(envInt("REDIS_DB", 0)),
		NatsURL:   os.Getenv("NATS_URL"),
		NodeID:    envInt("SNOWFLAKE_NODE_ID", 1),

		WalletEncryptionKey: key,

		PaymentWindow:  time.Duration(envInt("PAYMENT_WINDOW_MINUTES", 30)) * time.Minute,
		ConfirmWindow:  time.Duration(envInt("CONFIRM_WINDOW_MINUTES", 60)) * time.Minute,
		NewUserHolding: time.Duration(envInt("NEW_USER_HOLDING_HOURS", 24)) * time.Hour,
		PlatformVerify: time.Duration(envInt("PLATFORM_VERIFY_MINUTES", 30)) * time.Minute,
		TakerFeePct:    envDecimal("TAKER_FEE_PERCENT", "0.75"),
		SpreadPct:      envDecimal("PLATFORM_SPREAD_PERCENT", "1.5"),

		AutoApproveCadLimit: envDecimal("WITHDRAWAL_AUTO_APPROVE_CAD_LIMIT", "1000"),
		DailyLimitCad:       envDecimal("WITHDRAWAL_DAILY_LIMIT_CAD", "10000"),
		MonthlyLimitCad:     envDecimal("WITHDRAWAL_MONTHLY_LIMIT_CAD", "100000"),
		WithdrawalCooldown:  time.Duration(envInt("WITHDRAWAL_COOLDOWN_MINUTES", 10)) * time.Minute,
		AddressCooldown:     time.Duration(envInt("ADDRESS_COOLDOWN_HOURS", 24)) * time.Hour,

		DepositScanInterval:         time.Duration(envInt("DEPOSIT_SCAN_INTERVAL_MS", 30000)) * time.Millisecond,
		WithdrawalBroadcastInterval: time.Duration(envInt("WITHDRAWAL_BROADCAST_INTERVAL_MS", 15000)) * time.Millisecond,
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg, nil
}

// envStr 带默认值的字符串
func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// envInt 带默认值的整数，解析失败用默认值
func envInt(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// envDecimal 带默认值的小数
func envDecimal(name, def string) decimal.Decimal {
	v := os.Getenv(name)
	if v == "" {
		return decimal.RequireFromString(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(def)
	}
	return d
}
