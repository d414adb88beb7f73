// 文件: pkg/order/platform.go
// 平台兜底做市
//
// P2P 撮合后仍有残量的订单由平台吃掉:
//   - 买单残量 → 平台做卖方 (createPlatformFill)，金额加 1–99 分随机尾数
//     区分 e-Transfer 来账，总额不超过原额 + $0.99
//   - 卖单残量 → 平台做买方 (createPlatformBuyFill)，同事务直推到 completed
//     (平台的 CAD 在平台外支付)
// 平台账户允许负余额，是全系统唯一的例外。

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/ledger"
	"maplex.com/pkg/trade"
)

// jitterCents 1–99 分随机尾数
func jitterCents() decimal.Decimal {
	cents := rand.Intn(99) + 1
	return decimal.New(int64(cents), -2)
}

// platformFill 对订单残量做平台补齐，返回创建的交易
func (s *Service) platformFill(ctx context.Context, orderID uuid.UUID) ([]*trade.Trade, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
	if err != nil {
		return nil, err
	}
	if !o.IsActive() {
		return nil, nil
	}

	var t *trade.Trade
	if o.Type == TypeBuy {
		t, err = s.createPlatformFill(ctx, o.ID)
	} else {
		t, err = s.createPlatformBuyFill(ctx, o.ID)
	}
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	s.machine.PublishCreated(ctx, t)
	s.publishOrderbook(ctx, o.ID)
	return []*trade.Trade{t}, nil
}

// createPlatformFill 平台做卖方吃掉买单残量
// 价格用下单时的 effectivePrice 快照，不重新问价。
func (s *Service) createPlatformFill(ctx context.Context, orderID uuid.UUID) (*trade.Trade, error) {
	var out *trade.Trade

	err := s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var o Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).First(&o).Error
		if err != nil {
			return err
		}
		if !o.IsActive() || o.Type != TypeBuy {
			return nil
		}
		if !o.EffectivePrice.IsPositive() {
			return fmt.Errorf("order %s has no effective price", o.ID)
		}

		remaining := o.RemainingFiat
		amountFiat := remaining.Add(jitterCents())
		amountCrypto := amountFiat.Div(o.EffectivePrice).Round(8)
		if !amountCrypto.IsPositive() {
			return nil
		}

		if err := s.consumeRemaining(tx, &o, remaining); err != nil {
			return err
		}

		t := &trade.Trade{
			OrderID:      o.ID,
			BuyerID:      o.UserID,
			SellerID:     ledger.PlatformUserID,
			Asset:        o.Asset,
			AmountCrypto: amountCrypto,
			AmountFiat:   amountFiat,
			PricePerUnit: o.EffectivePrice,
			FeePercent:   s.cfg.FeePercent,
		}
		if err := s.machine.CreateEscrowed(tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// createPlatformBuyFill 平台做买方吃掉卖单残量
// 卖家余额不足时不报错、不取消订单，留给重撮合下一轮
func (s *Service) createPlatformBuyFill(ctx context.Context, orderID uuid.UUID) (*trade.Trade, error) {
	var out *trade.Trade

	err := s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var o Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).First(&o).Error
		if err != nil {
			return err
		}
		if !o.IsActive() || o.Type != TypeSell {
			return nil
		}
		if !o.EffectivePrice.IsPositive() {
			return fmt.Errorf("order %s has no effective price", o.ID)
		}

		remaining := o.RemainingFiat
		amountCrypto := remaining.Div(o.EffectivePrice).Round(8)
		if !amountCrypto.IsPositive() {
			return nil
		}

		if err := s.consumeRemaining(tx, &o, remaining); err != nil {
			return err
		}

		t := &trade.Trade{
			OrderID:      o.ID,
			BuyerID:      ledger.PlatformUserID,
			SellerID:     o.UserID,
			Asset:        o.Asset,
			AmountCrypto: amountCrypto,
			AmountFiat:   remaining,
			PricePerUnit: o.EffectivePrice,
			FeePercent:   s.cfg.FeePercent,
		}
		if err := s.machine.CreateEscrowed(tx, t); err != nil {
			return err
		}

		// 平台欠款在平台外结清，交易同事务直推 completed
		steps := []trade.Status{
			trade.StatusPaymentSent,
			trade.StatusPaymentConfirmed,
			trade.StatusCryptoReleased,
			trade.StatusCompleted,
		}
		now := time.Now()
		for _, to := range steps {
			extra := &trade.Extra{}
			if to == trade.StatusPaymentConfirmed {
				extra.HoldingOverride = &now
			}
			if err := s.machine.ApplyTransition(tx, t, to, trade.SystemActor, extra); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// AutoAdvancePlatformTrade 买家标记已付款后推进平台卖单
// payment_sent → payment_confirmed，持有期设为运营方核账窗口，
// 到期由定时任务走 crypto_released → completed 完成放币。
func (s *Service) AutoAdvancePlatformTrade(ctx context.Context, tradeID uuid.UUID) error {
	t, err := s.machine.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.SellerID != ledger.PlatformUserID {
		return fmt.Errorf("trade %s: seller is not the platform", tradeID)
	}
	if t.Status != trade.StatusPaymentSent {
		return nil
	}
	holding := time.Now().Add(s.machine.Config().PlatformVerify)
	_, err = s.machine.Transition(ctx, tradeID, trade.StatusPaymentConfirmed,
		trade.SystemActor, &trade.Extra{HoldingOverride: &holding})
	return err
}

// AdvancePlatformTrades 跑一轮平台卖单代确认 (定时任务入口)
// 单笔失败只记日志不中断，下一轮重试。
func (s *Service) AdvancePlatformTrades(ctx context.Context) (int, error) {
	var trades []trade.Trade
	err := s.db.WithContext(ctx).
		Where("seller_id = ? AND status = ?", ledger.PlatformUserID, trade.StatusPaymentSent).
		Find(&trades).Error
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, t := range trades {
		if err := s.AutoAdvancePlatformTrade(ctx, t.ID); err != nil {
			log.Printf("[Order] advance platform trade %s: %v", t.ID, err)
			continue
		}
		advanced++
	}
	return advanced, nil
}
