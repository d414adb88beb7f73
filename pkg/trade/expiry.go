// 文件: pkg/trade/expiry.go
// 交易超时驱动 (定时任务入口)
//
// - escrow_funded 超过付款窗口 → expired (托管退回卖家)
// - payment_sent 超过确认窗口 → disputed (代买家自动开争议，托管保持锁定)
// - payment_confirmed 持有期已到 (或 holding_until 为 NULL，历史行安全网)
//   → crypto_released → completed
// - 卡在 crypto_released 的交易 → completed (崩溃恢复)

package trade

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessExpired 跑一轮超时处理，返回处理的交易数
// 单笔失败只记日志不中断，下一轮重试。
func (m *Machine) ProcessExpired(ctx context.Context) (int, error) {
	now := time.Now()
	processed := 0

	// ===== escrow_funded 付款超时 =====
	var expired []Trade
	err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", StatusEscrowFunded, now).
		Find(&expired).Error
	if err != nil {
		return processed, err
	}
	for _, t := range expired {
		if _, err := m.Transition(ctx, t.ID, StatusExpired, SystemActor, nil); err != nil {
			log.Printf("[TradeExpiry] expire trade %s: %v", t.ID, err)
			continue
		}
		processed++
	}

	// ===== payment_sent 确认超时 → 自动争议 =====
	var unconfirmed []Trade
	err = m.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", StatusPaymentSent, now).
		Find(&unconfirmed).Error
	if err != nil {
		return processed, err
	}
	for _, t := range unconfirmed {
		extra := &Extra{
			DisputeOpenedBy: t.BuyerID,
			DisputeReason:   "seller failed to confirm payment within window",
		}
		if _, err := m.Transition(ctx, t.ID, StatusDisputed, SystemActor, extra); err != nil {
			log.Printf("[TradeExpiry] auto-dispute trade %s: %v", t.ID, err)
			continue
		}
		processed++
	}

	// ===== payment_confirmed 持有期放行 =====
	// holding_until 为 NULL 视为立即可放行 (历史行安全网)
	var releasable []Trade
	err = m.db.WithContext(ctx).
		Where("status = ? AND (holding_until IS NULL OR holding_until <= ?)", StatusPaymentConfirmed, now).
		Find(&releasable).Error
	if err != nil {
		return processed, err
	}
	for _, t := range releasable {
		if err := m.releaseAndComplete(ctx, t.ID); err != nil {
			log.Printf("[TradeExpiry] release trade %s: %v", t.ID, err)
			continue
		}
		processed++
	}

	// ===== crypto_released 卡住恢复 =====
	var stuck []Trade
	err = m.db.WithContext(ctx).
		Where("status = ?", StatusCryptoReleased).
		Find(&stuck).Error
	if err != nil {
		return processed, err
	}
	for _, t := range stuck {
		if _, err := m.Transition(ctx, t.ID, StatusCompleted, SystemActor, nil); err != nil {
			log.Printf("[TradeExpiry] complete stuck trade %s: %v", t.ID, err)
			continue
		}
		processed++
	}

	return processed, nil
}

// releaseAndComplete 两段迁移: crypto_released 是纯触发，completed 做结算
// 两段放在一个事务里，崩在中间也只会停在 crypto_released，由恢复分支补完。
func (m *Machine) releaseAndComplete(ctx context.Context, tradeID uuid.UUID) error {
	var t Trade
	var old Status
	err := m.ledger.Transaction(m.db.WithContext(ctx), func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", tradeID).
			First(&t).Error
		if err != nil {
			return err
		}
		old = t.Status
		if t.Status != StatusPaymentConfirmed {
			return nil // 并发轮次已处理
		}
		if err := m.ApplyTransition(tx, &t, StatusCryptoReleased, SystemActor, nil); err != nil {
			return err
		}
		return m.ApplyTransition(tx, &t, StatusCompleted, SystemActor, nil)
	})
	if err != nil {
		return err
	}
	if t.Status != old {
		m.publishStatusChanged(ctx, &t, old)
	}
	return nil
}
