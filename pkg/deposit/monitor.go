// 文件: pkg/deposit/monitor.go
// 充值监控
//
// 【契约】链上入账恰好入账一次，不管扫描崩溃/重启/重扫多少次。
//
// 每个周期按链分发:
//   BTC/LTC  地址交易列表，确认数 = tip − blockHeight + 1
//   ETH      逐块扫 to 地址；游标进程内维护，首轮取 current − 50，
//            每轮最多推进 50 块控制 RPC 成本
//   LINK     LINK 合约 Transfer 日志，确认数 = current − log.blockNumber
//   XRP      account_tx 的 validated Payment，钱包带 DestinationTag 则必须精确匹配
//   SOL      getSignaturesForAddress，失败交易跳过，finalized = 32
//
// 低于最小充值额的探测静默丢弃。

package deposit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/wallet"
)

// ethScanWindow ETH 每轮最多推进的块数
const ethScanWindow = 50

// staleAfter pending 超过该时长按过期处理
const staleAfter = 72 * time.Hour

// Monitor 充值监控器
type Monitor struct {
	db      *gorm.DB
	ledger  *ledger.Engine
	wallets *wallet.Repository
	clients *chain.Clients
	notify  *notify.Writer

	ethCursor int64 // 进程内游标，0 表示未初始化
}

// NewMonitor 创建充值监控器
func NewMonitor(db *gorm.DB, eng *ledger.Engine, wallets *wallet.Repository,
	clients *chain.Clients, notifier *notify.Writer) *Monitor {
	return &Monitor{db: db, ledger: eng, wallets: wallets, clients: clients, notify: notifier}
}

// detected 一笔探测到的链上入账
type detected struct {
	wallet        *wallet.Wallet
	asset         chain.Asset
	txHash        string
	amount        decimal.Decimal
	confirmations int64
}

// =============================================================================
// 扫描入口
// =============================================================================

// Scan 跑一轮全链扫描
// 单条链失败只记日志，其余链照常。
func (m *Monitor) Scan(ctx context.Context) error {
	type scanner struct {
		name string
		fn   func(context.Context) error
	}
	scanners := []scanner{
		{"btc", m.scanUTXO(chain.ChainBTC, chain.AssetBTC, func() chain.UTXOClient { return m.clients.BTC })},
		{"ltc", m.scanUTXO(chain.ChainLTC, chain.AssetLTC, func() chain.UTXOClient { return m.clients.LTC })},
		{"eth", m.scanETH},
		{"xrp", m.scanXRP},
		{"sol", m.scanSOL},
	}
	var firstErr error
	for _, s := range scanners {
		if err := s.fn(ctx); err != nil {
			log.Printf("[DepositMonitor] scan %s: %v", s.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// =============================================================================
// 各链扫描
// =============================================================================

// scanUTXO BTC/LTC 公用
func (m *Monitor) scanUTXO(c chain.Chain, asset chain.Asset, client func() chain.UTXOClient) func(context.Context) error {
	return func(ctx context.Context) error {
		cl := client()
		if cl == nil {
			return nil
		}
		wallets, err := m.wallets.ListByChain(ctx, c)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			return nil
		}
		tip, err := cl.TipHeight(ctx)
		if err != nil {
			return err
		}
		for _, w := range wallets {
			txs, err := cl.AddressTxs(ctx, w.Address)
			if err != nil {
				log.Printf("[DepositMonitor] %s address %s: %v", c, w.Address, err)
				continue
			}
			for _, tx := range txs {
				confirmations := int64(0)
				if tx.BlockHeight > 0 {
					confirmations = tip - tx.BlockHeight + 1
				}
				m.record(ctx, &detected{
					wallet:        w,
					asset:         asset,
					txHash:        tx.TxHash,
					amount:        tx.Amount,
					confirmations: confirmations,
				})
			}
		}
		return nil
	}
}

// scanETH ETH 原生 + LINK Transfer 日志 (共用游标)
func (m *Monitor) scanETH(ctx context.Context) error {
	cl := m.clients.ETH
	if cl == nil {
		return nil
	}
	wallets, err := m.wallets.ListByChain(ctx, chain.ChainETH)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		return nil
	}

	// 地址 → 钱包 (以太坊地址大小写不敏感)
	byAddr := make(map[string]*wallet.Wallet, len(wallets))
	for _, w := range wallets {
		byAddr[strings.ToLower(w.Address)] = w
	}

	current, err := cl.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if m.ethCursor == 0 {
		m.ethCursor = current - ethScanWindow
		if m.ethCursor < 0 {
			m.ethCursor = 0
		}
	}
	from := m.ethCursor + 1
	to := min(current, m.ethCursor+ethScanWindow)
	if from > to {
		return nil
	}

	// ===== 原生 ETH: 逐块 =====
	for n := from; n <= to; n++ {
		txs, err := cl.BlockTxs(ctx, n)
		if err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		for _, tx := range txs {
			w, ok := byAddr[strings.ToLower(tx.To)]
			if !ok {
				continue
			}
			m.record(ctx, &detected{
				wallet:        w,
				asset:         chain.AssetETH,
				txHash:        tx.TxHash,
				amount:        tx.Value,
				confirmations: current - tx.BlockNumber + 1,
			})
		}
	}

	// ===== LINK: Transfer 日志 =====
	logs, err := cl.TransferLogs(ctx, chain.LINKContract, from, to)
	if err != nil {
		return fmt.Errorf("link logs [%d,%d]: %w", from, to, err)
	}
	for _, lg := range logs {
		w, ok := byAddr[strings.ToLower(lg.Recipient)]
		if !ok {
			continue
		}
		m.record(ctx, &detected{
			wallet:        w,
			asset:         chain.AssetLINK,
			txHash:        lg.TxHash,
			amount:        lg.Amount,
			confirmations: current - lg.BlockNumber,
		})
	}

	m.ethCursor = to
	return nil
}

// scanXRP validated Payment，DestinationTag 精确匹配
func (m *Monitor) scanXRP(ctx context.Context) error {
	cl := m.clients.XRP
	if cl == nil {
		return nil
	}
	wallets, err := m.wallets.ListByChain(ctx, chain.ChainXRP)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		payments, err := cl.AccountTxs(ctx, w.Address)
		if err != nil {
			log.Printf("[DepositMonitor] xrp address %s: %v", w.Address, err)
			continue
		}
		for _, p := range payments {
			if !p.Validated {
				continue
			}
			// 共享地址靠 tag 区分归属，tag 不一致的不是我们的钱
			if w.DestinationTag != nil {
				if p.DestinationTag == nil || *p.DestinationTag != *w.DestinationTag {
					continue
				}
			}
			m.record(ctx, &detected{
				wallet:        w,
				asset:         chain.AssetXRP,
				txHash:        p.TxHash,
				amount:        p.Amount,
				confirmations: 1, // validated 即最终
			})
		}
	}
	return nil
}

// scanSOL 失败交易跳过，只收正向净入账
func (m *Monitor) scanSOL(ctx context.Context) error {
	cl := m.clients.SOL
	if cl == nil {
		return nil
	}
	wallets, err := m.wallets.ListByChain(ctx, chain.ChainSOL)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		transfers, err := cl.SignaturesForAddress(ctx, w.Address)
		if err != nil {
			log.Printf("[DepositMonitor] sol address %s: %v", w.Address, err)
			continue
		}
		for _, tr := range transfers {
			if tr.Failed || !tr.Amount.IsPositive() {
				continue
			}
			m.record(ctx, &detected{
				wallet:        w,
				asset:         chain.AssetSOL,
				txHash:        tr.Signature,
				amount:        tr.Amount,
				confirmations: tr.Confirmations,
			})
		}
	}
	return nil
}

// record 最小额过滤后交给入库管道，失败只记日志
func (m *Monitor) record(ctx context.Context, d *detected) {
	if d.amount.LessThan(chain.MinDeposit(d.asset)) {
		return
	}
	if err := m.processNewDeposit(ctx, d); err != nil {
		log.Printf("[DepositMonitor] record %s/%s: %v", d.wallet.Chain, d.txHash, err)
	}
}

// =============================================================================
// 入库管道
// =============================================================================

// processNewDeposit 首次入库 + pendingDeposit 记账 (单事务)
// (tx_hash, chain) 唯一键冲突表示重复探测，静默返回。
func (m *Monitor) processNewDeposit(ctx context.Context, d *detected) error {
	return m.ledger.Transaction(m.db.WithContext(ctx), func(tx *gorm.DB) error {
		now := time.Now()
		dep := &Deposit{
			ID:                    uuid.New(),
			UserID:                *d.wallet.UserID,
			WalletID:              d.wallet.ID,
			Asset:                 d.asset,
			Chain:                 d.wallet.Chain,
			TxHash:                d.txHash,
			Amount:                d.amount,
			Confirmations:         d.confirmations,
			RequiredConfirmations: chain.RequiredConfirmations(d.asset),
			Status:                StatusPending,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(dep)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // 重复探测
		}

		if err := m.ledger.Mutate(tx, ledger.Mutation{
			UserID:         dep.UserID,
			Asset:          dep.Asset,
			Field:          ledger.FieldPendingDeposit,
			Amount:         dep.Amount,
			EntryType:      ledger.EntryDepositPending,
			IdempotencyKey: fmt.Sprintf("deposit:%s:%s:pending", dep.TxHash, dep.Chain),
			DepositID:      &dep.ID,
		}); err != nil {
			return err
		}

		m.notify.WriteTx(tx, dep.UserID, notify.KindDepositDetected,
			"Deposit detected",
			fmt.Sprintf("%s %s incoming (%d/%d confirmations)",
				dep.Amount, dep.Asset, dep.Confirmations, dep.RequiredConfirmations))
		return nil
	})
}

// UpdatePendingConfirmations 刷新 pending 的确认数，达标的入账
func (m *Monitor) UpdatePendingConfirmations(ctx context.Context) (int, error) {
	var pending []Deposit
	err := m.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	credited := 0
	for _, dep := range pending {
		confirmations, err := m.txConfirmations(ctx, dep.Chain, dep.TxHash)
		if err != nil {
			log.Printf("[DepositMonitor] confirmations %s/%s: %v", dep.Chain, dep.TxHash, err)
			continue
		}
		if confirmations != dep.Confirmations {
			if err := m.db.WithContext(ctx).Model(&Deposit{}).
				Where("id = ?", dep.ID).
				Updates(map[string]any{"confirmations": confirmations, "updated_at": time.Now()}).
				Error; err != nil {
				log.Printf("[DepositMonitor] update confirmations %s: %v", dep.ID, err)
				continue
			}
		}
		if confirmations >= dep.RequiredConfirmations {
			if err := m.creditDeposit(ctx, dep.ID); err != nil {
				log.Printf("[DepositMonitor] credit %s: %v", dep.ID, err)
				continue
			}
			credited++
		}
	}
	return credited, nil
}

// txConfirmations 按链问确认数
func (m *Monitor) txConfirmations(ctx context.Context, c chain.Chain, txHash string) (int64, error) {
	switch c {
	case chain.ChainBTC:
		return m.clients.BTC.TxConfirmations(ctx, txHash)
	case chain.ChainLTC:
		return m.clients.LTC.TxConfirmations(ctx, txHash)
	case chain.ChainETH:
		return m.clients.ETH.TxConfirmations(ctx, txHash)
	case chain.ChainXRP:
		return m.clients.XRP.TxConfirmations(ctx, txHash)
	case chain.ChainSOL:
		return m.clients.SOL.TxConfirmations(ctx, txHash)
	}
	return 0, fmt.Errorf("unknown chain %q", c)
}

// creditDeposit pending → credited，余额从 pendingDeposit 搬到 available (单事务)
func (m *Monitor) creditDeposit(ctx context.Context, id uuid.UUID) error {
	return m.ledger.Transaction(m.db.WithContext(ctx), func(tx *gorm.DB) error {
		var dep Deposit
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&dep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if dep.Status != StatusPending {
			return nil // 并发轮次已处理
		}

		if err := m.ledger.Mutate(tx, ledger.Mutation{
			UserID:         dep.UserID,
			Asset:          dep.Asset,
			Field:          ledger.FieldPendingDeposit,
			Amount:         dep.Amount.Neg(),
			EntryType:      ledger.EntryDepositPendingCleared,
			IdempotencyKey: fmt.Sprintf("deposit:%s:pending_cleared", dep.ID),
			DepositID:      &dep.ID,
		}); err != nil {
			return err
		}
		if err := m.ledger.Mutate(tx, ledger.Mutation{
			UserID:         dep.UserID,
			Asset:          dep.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         dep.Amount,
			EntryType:      ledger.EntryDepositConfirmed,
			IdempotencyKey: fmt.Sprintf("deposit:%s:credit", dep.ID),
			DepositID:      &dep.ID,
		}); err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(&Deposit{}).Where("id = ?", dep.ID).
			Updates(map[string]any{
				"status":      StatusCredited,
				"credited_at": now,
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}

		m.notify.WriteTx(tx, dep.UserID, notify.KindDepositConfirmed,
			"Deposit credited",
			fmt.Sprintf("%s %s is now available", dep.Amount, dep.Asset))
		return nil
	})
}

// =============================================================================
// 过期清理
// =============================================================================

// SweepStale 72h 未达确认数的 pending 转 expired，冲销 pendingDeposit
func (m *Monitor) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	var stale []Deposit
	err := m.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, dep := range stale {
		err := m.ledger.Transaction(m.db.WithContext(ctx), func(tx *gorm.DB) error {
			var d Deposit
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", dep.ID).First(&d).Error
			if err != nil {
				return err
			}
			if d.Status != StatusPending {
				return nil
			}
			if err := m.ledger.Mutate(tx, ledger.Mutation{
				UserID:         d.UserID,
				Asset:          d.Asset,
				Field:          ledger.FieldPendingDeposit,
				Amount:         d.Amount.Neg(),
				EntryType:      ledger.EntryDepositPendingCleared,
				IdempotencyKey: fmt.Sprintf("deposit:%s:expired", d.ID),
				DepositID:      &d.ID,
				Note:           "stale deposit reversal",
			}); err != nil {
				return err
			}
			if err := tx.Model(&Deposit{}).Where("id = ?", d.ID).
				Updates(map[string]any{"status": StatusExpired, "updated_at": time.Now()}).
				Error; err != nil {
				return err
			}
			m.notify.WriteTx(tx, d.UserID, notify.KindDepositExpired,
				"Deposit expired",
				fmt.Sprintf("%s %s never reached %d confirmations", d.Amount, d.Asset, d.RequiredConfirmations))
			return nil
		})
		if err != nil {
			log.Printf("[DepositMonitor] sweep %s: %v", dep.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}
