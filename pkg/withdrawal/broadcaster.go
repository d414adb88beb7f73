// 文件: pkg/withdrawal/broadcaster.go
// 提现广播器
//
// 【契约】每笔 approved 提现恰好广播一笔链上交易，或恰好退款一次。
// 不会两者都发生，也不会都不发生。
//
// - 认领即原子动作: FOR UPDATE SKIP LOCKED 选出至多 N 行 approved，
//   同事务置 broadcasting + broadcast_at。多实例并存不会双播，
//   抢不到的实例只是看到零行。
// - 签名失败走 refundFailedWithdrawal: 状态仍在 approved/broadcasting
//   才退款 (先迁移者拥有退款权)；退款本身失败是 CRITICAL，
//   记日志并停止本轮，交给运维 — 静默重试有双退风险。
// - 确认轮询用 CAS (WHERE status='broadcasting') 防止覆盖并发管理操作。
//
// 私钥只在单次签名调用内存在，用后立即清零。

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/wallet"
)

// ErrRefundFailed 退款失败 (运维级故障，广播器停止本轮)
var ErrRefundFailed = errors.New("withdrawal refund failed")

// claimBatchSize 每轮认领的提现上限
const claimBatchSize = 10

// Broadcaster 提现广播器
type Broadcaster struct {
	db      *gorm.DB
	ledger  *ledger.Engine
	wallets *wallet.Repository
	clients *chain.Clients
	notify  *notify.Writer

	// hotWallet 平台热钱包地址 (BTC/LTC 找零地址)
	hotWallet map[chain.Chain]string
}

// NewBroadcaster 创建广播器
func NewBroadcaster(db *gorm.DB, eng *ledger.Engine, wallets *wallet.Repository,
	clients *chain.Clients, notifier *notify.Writer, hotWallet map[chain.Chain]string) *Broadcaster {
	return &Broadcaster{
		db: db, ledger: eng, wallets: wallets,
		clients: clients, notify: notifier, hotWallet: hotWallet,
	}
}

// =============================================================================
// 广播
// =============================================================================

// BroadcastApproved 跑一轮: 认领 → 逐笔签名广播
// 返回成功广播的笔数。退款失败返回 ErrRefundFailed，调用方必须停。
func (b *Broadcaster) BroadcastApproved(ctx context.Context) (int, error) {
	claimed, err := b.claim(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range claimed {
		w := &claimed[i]
		txHash, signErr := b.signAndSend(ctx, w)
		if signErr != nil {
			log.Printf("[Broadcaster] sign %s: %v", w.ID, signErr)
			if rerr := b.refundFailedWithdrawal(ctx, w.ID, signErr.Error()); rerr != nil {
				log.Printf("[Broadcaster] CRITICAL: refund %s failed: %v", w.ID, rerr)
				return sent, fmt.Errorf("%w: withdrawal %s: %v", ErrRefundFailed, w.ID, rerr)
			}
			continue
		}
		if err := b.db.WithContext(ctx).Model(&Withdrawal{}).
			Where("id = ?", w.ID).
			Updates(map[string]any{"tx_hash": txHash, "updated_at": time.Now()}).
			Error; err != nil {
			// 交易已上链，只丢了 hash 记录: 不退款，留给人工补
			log.Printf("[Broadcaster] CRITICAL: persist txHash %s for %s: %v", txHash, w.ID, err)
			continue
		}
		b.notify.Write(ctx, w.UserID, notify.KindWithdrawalSent,
			"Withdrawal broadcast",
			fmt.Sprintf("%s %s sent: %s", w.NetAmount, w.Asset, txHash))
		sent++
	}
	return sent, nil
}

// claim 认领至多 N 行 approved (单事务原子置 broadcasting)
func (b *Broadcaster) claim(ctx context.Context) ([]Withdrawal, error) {
	var claimed []Withdrawal
	err := b.ledger.Transaction(b.db.WithContext(ctx), func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", StatusApproved).
			Order("created_at ASC").
			Limit(claimBatchSize).
			Find(&claimed).Error
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		now := time.Now()
		ids := make([]uuid.UUID, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		return tx.Model(&Withdrawal{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       StatusBroadcasting,
				"broadcast_at": now,
				"updated_at":   now,
			}).Error
	})
	return claimed, err
}

// signAndSend 解密私钥并按链签名广播
// 私钥 Zero 在 defer 里，任何失败路径都不会把它留在内存。
func (b *Broadcaster) signAndSend(ctx context.Context, w *Withdrawal) (string, error) {
	hw, err := b.wallets.GetByUserChain(ctx, w.UserID, w.Chain)
	if err != nil {
		return "", fmt.Errorf("load wallet: %w", err)
	}
	privKey, err := b.wallets.DecryptKey(hw)
	if err != nil {
		return "", fmt.Errorf("decrypt key: %w", err)
	}
	defer wallet.Zero(privKey)

	switch w.Asset {
	case chain.AssetBTC:
		return b.sendUTXO(ctx, b.clients.BTC, hw.Address, privKey, w)
	case chain.AssetLTC:
		return b.sendUTXO(ctx, b.clients.LTC, hw.Address, privKey, w)
	case chain.AssetETH:
		return b.clients.ETH.SendETH(ctx, privKey, w.Address, w.NetAmount)
	case chain.AssetLINK:
		return b.clients.ETH.SendERC20(ctx, privKey, chain.LINKContract, w.Address, w.NetAmount)
	case chain.AssetXRP:
		return b.clients.XRP.SubmitPayment(ctx, privKey, w.Address, w.NetAmount, w.DestinationTag)
	case chain.AssetSOL:
		return b.clients.SOL.SendSOL(ctx, privKey, w.Address, w.NetAmount)
	}
	return "", fmt.Errorf("unsupported asset %q", w.Asset)
}

// sendUTXO BTC/LTC: 选币 → 两输出 (目标 + 找零) → 签名广播
func (b *Broadcaster) sendUTXO(ctx context.Context, cl chain.UTXOClient,
	fromAddress string, privKey []byte, w *Withdrawal) (string, error) {
	utxos, err := cl.ListUTXOs(ctx, fromAddress)
	if err != nil {
		return "", fmt.Errorf("list utxos: %w", err)
	}
	feeRate, err := cl.FeeRate(ctx)
	if err != nil {
		return "", fmt.Errorf("fee rate: %w", err)
	}

	sendSats := ToSats(w.NetAmount)
	sel, err := SelectUTXOs(utxos, sendSats, feeRate)
	if err != nil {
		return "", err
	}

	outputs := map[string]int64{w.Address: sendSats}
	if sel.Change > 0 {
		changeAddr := b.hotWallet[w.Chain]
		if changeAddr == "" {
			changeAddr = fromAddress
		}
		outputs[changeAddr] = sel.Change
	}
	return cl.SendTransaction(ctx, privKey, sel.Inputs, outputs)
}

// =============================================================================
// 退款
// =============================================================================

// refundFailedWithdrawal 广播失败退款 (恰好一次)
// 状态已离开 approved/broadcasting 则是别人先迁移的，退款归他，这里 no-op。
func (b *Broadcaster) refundFailedWithdrawal(ctx context.Context, id uuid.UUID, reason string) error {
	return b.ledger.Transaction(b.db.WithContext(ctx), func(tx *gorm.DB) error {
		var w Withdrawal
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&w).Error
		if err != nil {
			return err
		}
		if w.Status != StatusApproved && w.Status != StatusBroadcasting {
			return nil
		}
		if err := b.ledger.Mutate(tx, ledger.Mutation{
			UserID:         w.UserID,
			Asset:          w.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         w.Amount,
			EntryType:      ledger.EntryWithdrawalFailed,
			IdempotencyKey: fmt.Sprintf("withdrawal_refund:%s", w.ID),
			WithdrawalID:   &w.ID,
		}); err != nil {
			return err
		}
		if err := tx.Model(&Withdrawal{}).Where("id = ?", w.ID).
			Updates(map[string]any{
				"status":         StatusFailed,
				"failure_reason": reason,
				"updated_at":     time.Now(),
			}).Error; err != nil {
			return err
		}
		b.notify.WriteTx(tx, w.UserID, notify.KindWithdrawalFailed,
			"Withdrawal failed",
			fmt.Sprintf("%s %s withdrawal failed and was refunded", w.NetAmount, w.Asset))
		return nil
	})
}

// =============================================================================
// 确认轮询
// =============================================================================

// PollConfirmations 查询 broadcasting 行的链上确认数
// 达标的 CAS 到 confirmed。返回确认的笔数。
func (b *Broadcaster) PollConfirmations(ctx context.Context) (int, error) {
	var rows []Withdrawal
	err := b.db.WithContext(ctx).
		Where("status = ? AND tx_hash <> ''", StatusBroadcasting).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, w := range rows {
		confirmations, err := b.txConfirmations(ctx, w.Chain, w.TxHash)
		if err != nil {
			log.Printf("[Broadcaster] confirmations %s: %v", w.ID, err)
			continue
		}
		if confirmations < chain.RequiredConfirmations(w.Asset) {
			continue
		}
		now := time.Now()
		// CAS: 并发的管理操作赢了就放弃
		result := b.db.WithContext(ctx).Model(&Withdrawal{}).
			Where("id = ? AND status = ?", w.ID, StatusBroadcasting).
			Updates(map[string]any{
				"status":       StatusConfirmed,
				"confirmed_at": now,
				"updated_at":   now,
			})
		if result.Error != nil {
			log.Printf("[Broadcaster] confirm %s: %v", w.ID, result.Error)
			continue
		}
		if result.RowsAffected == 0 {
			continue
		}
		b.notify.Write(ctx, w.UserID, notify.KindWithdrawalSent,
			"Withdrawal confirmed",
			fmt.Sprintf("%s %s confirmed on-chain: %s", w.NetAmount, w.Asset, w.TxHash))
		confirmed++
	}
	return confirmed, nil
}

// txConfirmations 按链问确认数
func (b *Broadcaster) txConfirmations(ctx context.Context, c chain.Chain, txHash string) (int64, error) {
	switch c {
	case chain.ChainBTC:
		return b.clients.BTC.TxConfirmations(ctx, txHash)
	case chain.ChainLTC:
		return b.clients.LTC.TxConfirmations(ctx, txHash)
	case chain.ChainETH:
		return b.clients.ETH.TxConfirmations(ctx, txHash)
	case chain.ChainXRP:
		return b.clients.XRP.TxConfirmations(ctx, txHash)
	case chain.ChainSOL:
		return b.clients.SOL.TxConfirmations(ctx, txHash)
	}
	return 0, fmt.Errorf("unknown chain %q", c)
}
