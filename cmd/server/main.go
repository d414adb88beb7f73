// 文件: cmd/server/main.go
// 组合根: 建连 → 迁移 → 装配 → 定时任务 → 信号退出
//
// HTTP/WebSocket 入口、各链 RPC 客户端和 HD 派生服务是外部协作者，
// 部署时在这里注入真实实现；本文件默认装配开发占位 (devDeriver)。

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/config"
	"maplex.com/pkg/deposit"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/order"
	"maplex.com/pkg/price"
	"maplex.com/pkg/pubsub"
	"maplex.com/pkg/snapshot"
	"maplex.com/pkg/staking"
	"maplex.com/pkg/stream"
	"maplex.com/pkg/trade"
	"maplex.com/pkg/user"
	"maplex.com/pkg/wallet"
	"maplex.com/pkg/withdrawal"
	"maplex.com/pkg/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}

	// ===== 基础设施 =====
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("[Main] mysql: %v", err)
	}
	if err := migrate(db); err != nil {
		log.Fatalf("[Main] migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("[Main] redis: %v", err)
	}

	if err := stream.InitSnowflake(cfg.NodeID); err != nil {
		log.Fatalf("[Main] snowflake: %v", err)
	}

	// ===== 流水导出 (Kafka 主，NATS 备) =====
	var publisher ledger.JournalPublisher
	var kafkaPub *stream.KafkaJournalPublisher
	var archive *stream.ArchiveWriter
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err = stream.NewKafkaJournalPublisher(stream.DefaultKafkaConfig(cfg.KafkaBrokers))
		if err != nil {
			log.Fatalf("[Main] kafka: %v", err)
		}
		publisher = kafkaPub

		archive, err = stream.NewArchiveWriter(stream.DefaultArchiveWriterConfig(cfg.KafkaBrokers), db)
		if err != nil {
			log.Fatalf("[Main] archive writer: %v", err)
		}
		archive.Start()
	} else if cfg.NatsURL != "" {
		natsPub, err := stream.NewNatsJournalPublisher(cfg.NatsURL)
		if err != nil {
			log.Fatalf("[Main] nats: %v", err)
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	// ===== 核心装配 =====
	engine := ledger.NewEngine(publisher, stream.NextSeq)
	users := user.NewRepository(db)
	if err := users.EnsurePlatformUser(context.Background()); err != nil {
		log.Fatalf("[Main] platform user: %v", err)
	}

	cipher, err := wallet.NewKeyCipher(cfg.WalletEncryptionKey)
	if err != nil {
		log.Fatalf("[Main] key cipher: %v", err)
	}
	wallets := wallet.NewRepository(db, cipher, devDeriver{})

	oracle := price.NewRedisOracle(rdb)
	bus := pubsub.NewBus(rdb)

	notifier := notify.NewWriter(db)
	machine := trade.NewMachine(db, engine, users, bus, notifier, trade.Config{
		PaymentWindow:  cfg.PaymentWindow,
		ConfirmWindow:  cfg.ConfirmWindow,
		NewUserHolding: cfg.NewUserHolding,
		PlatformVerify: cfg.PlatformVerify,
		LVCTRThreshold: trade.DefaultConfig().LVCTRThreshold,
	})
	orders := order.NewService(db, rdb, oracle, machine, engine, users, bus, order.Config{
		FeePercent:     cfg.TakerFeePct,
		SpreadPercent:  cfg.SpreadPct,
		IdempotencyTTL: order.DefaultConfig().IdempotencyTTL,
	})

	clients := &chain.Clients{} // 各链 RPC 客户端在部署时注入
	monitor := deposit.NewMonitor(db, engine, wallets, clients, notifier)
	withdrawals := withdrawal.NewService(db, engine, oracle, notifier, withdrawal.Config{
		AutoApproveCadLimit: cfg.AutoApproveCadLimit,
		DailyLimitCad:       cfg.DailyLimitCad,
		MonthlyLimitCad:     cfg.MonthlyLimitCad,
		WithdrawalCooldown:  cfg.WithdrawalCooldown,
		AddressCooldown:     cfg.AddressCooldown,
		PasswordCooldown:    withdrawal.DefaultConfig().PasswordCooldown,
	})
	_ = withdrawals // HTTP 入口接线处
	broadcaster := withdrawal.NewBroadcaster(db, engine, wallets, clients, notifier, nil)
	stakings := staking.NewService(db, engine, notifier)
	snapshots := snapshot.NewCapturer(db, oracle)

	// ===== 定时任务 =====
	pool := worker.NewPool()
	pool.Add("processExpiredTrades", time.Minute, machine.ProcessExpired)
	pool.Add("rematchActiveOrders", time.Minute, orders.RematchActiveOrders)
	pool.Add("advancePlatformTrades", time.Minute, orders.AdvancePlatformTrades)
	pool.Add("accrueEarnings", 6*time.Hour, stakings.AccrueEarnings)
	pool.Add("captureAllSnapshots", time.Hour, snapshots.CaptureAll)
	pool.Add("depositScan", cfg.DepositScanInterval, func(ctx context.Context) (int, error) {
		return 0, monitor.Scan(ctx)
	})
	pool.Add("depositConfirmations", cfg.DepositScanInterval, monitor.UpdatePendingConfirmations)
	pool.Add("depositSweep", 24*time.Hour, monitor.SweepStale)
	pool.Add("withdrawalBroadcast", cfg.WithdrawalBroadcastInterval, broadcaster.BroadcastApproved)
	pool.Add("withdrawalConfirm", time.Minute, broadcaster.PollConfirmations)

	pool.Start(context.Background())
	log.Println("[Main] all workers started")

	// ===== 信号退出 =====
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[Main] shutting down")

	pool.Stop()
	if archive != nil {
		if err := archive.Stop(); err != nil {
			log.Printf("[Main] archive stop: %v", err)
		}
	}
	if kafkaPub != nil {
		sent, errs := kafkaPub.Stats()
		log.Printf("[Main] kafka journal: sent=%d errors=%d", sent, errs)
		if err := kafkaPub.Close(); err != nil {
			log.Printf("[Main] kafka close: %v", err)
		}
	}
	log.Println("[Main] bye")
}

// migrate 建表
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&user.User{},
		&ledger.Balance{},
		&ledger.Entry{},
		&stream.ArchiveRecord{},
		&wallet.Wallet{},
		&wallet.Counter{},
		&order.Order{},
		&trade.Trade{},
		&trade.Dispute{},
		&trade.ComplianceLog{},
		&deposit.Deposit{},
		&withdrawal.Withdrawal{},
		&withdrawal.Address{},
		&staking.Product{},
		&staking.Position{},
		&staking.Earning{},
		&snapshot.Snapshot{},
		&notify.Notification{},
	)
}

// =============================================================================
// 开发占位
// =============================================================================

// devDeriver 确定性伪派生，生产替换为真实 HD 派生服务
type devDeriver struct{}

func (devDeriver) Derive(c chain.Chain, index int64) (string, string, []byte, *uint32, error) {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d", c, index))
	address := string(c)[:2] + hex.EncodeToString(sum[:20])
	path := fmt.Sprintf("m/44'/0'/0'/0/%d", index)
	priv := make([]byte, 32)
	copy(priv, sum[:])
	var tag *uint32
	if c == chain.ChainXRP {
		t := uint32(index + 1)
		tag = &t
	}
	return address, path, priv, tag, nil
}
