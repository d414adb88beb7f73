// 文件: pkg/order/matcher.go
// P2P 撮合
//
// 粗 FIFO: 对手方向同资产的 active 订单按下单时间从老到新吃。
// 每对一笔成交开一个事务: 锁双方订单行 → 扣减 remaining →
// 经状态机创建 escrow_funded 交易。卖方余额不足则跳过该候选。

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/ledger"
	"maplex.com/pkg/trade"
)

// matchBatchLimit 单轮撮合每次取的候选数
const matchBatchLimit = 20

// matchPass 对一张订单跑一轮 P2P 撮合，返回创建的交易
func (s *Service) matchPass(ctx context.Context, orderID uuid.UUID) ([]*trade.Trade, error) {
	var created []*trade.Trade

	for {
		// 读取主单最新状态
		var o Order
		err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
		if err != nil {
			return created, err
		}
		if !o.IsActive() {
			return created, nil
		}

		// 候选: 对手方向、同资产、active、有残量、不能自成交，最老优先
		var candidates []Order
		err = s.db.WithContext(ctx).
			Where("type = ? AND crypto_asset = ? AND status = ? AND remaining_fiat > 0 AND user_id <> ?",
				o.Type.Opposite(), o.Asset, StatusActive, o.UserID).
			Order("created_at ASC").
			Limit(matchBatchLimit).
			Find(&candidates).Error
		if err != nil {
			return created, err
		}
		if len(candidates) == 0 {
			return created, nil
		}

		matchedAny := false
		for i := range candidates {
			t, err := s.matchPair(ctx, o.ID, candidates[i].ID)
			if err != nil {
				if errors.Is(err, ledger.ErrInsufficientFunds) {
					// 卖方余额不够这笔，跳过候选
					continue
				}
				return created, err
			}
			if t == nil {
				continue
			}
			created = append(created, t)
			matchedAny = true

			// 主单吃满即止
			if s.orderFilled(ctx, o.ID) {
				return created, nil
			}
		}
		if !matchedAny {
			return created, nil
		}
	}
}

// matchPair 撮合一对订单，产出至多一笔交易 (单事务)
func (s *Service) matchPair(ctx context.Context, aID, bID uuid.UUID) (*trade.Trade, error) {
	var out *trade.Trade

	err := s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		// 按 ID 顺序锁行，避免交叉死锁
		firstID, secondID := aID, bID
		if secondID.String() < firstID.String() {
			firstID, secondID = secondID, firstID
		}
		var first, second Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", firstID).First(&first).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", secondID).First(&second).Error; err != nil {
			return err
		}

		a, b := &first, &second
		if a.ID != aID {
			a, b = b, a
		}

		// 锁后复检
		if !a.IsActive() || !b.IsActive() {
			return nil
		}

		var buy, sell *Order
		if a.Type == TypeBuy {
			buy, sell = a, b
		} else {
			buy, sell = b, a
		}

		// 匹配额与边界
		matchFiat := decimal.Min(buy.RemainingFiat, sell.RemainingFiat)
		matchFiat = clampMatch(matchFiat, buy, sell)
		if !matchFiat.IsPositive() {
			return nil
		}

		// 价格由卖方规则决定
		marketPrice, err := s.oracle.Price(ctx, sell.Asset)
		if err != nil {
			return err
		}
		pricePerUnit := sell.MatchPrice(marketPrice)
		if !pricePerUnit.IsPositive() {
			return fmt.Errorf("bad match price for order %s", sell.ID)
		}
		amountCrypto := matchFiat.Div(pricePerUnit).Round(8)
		if !amountCrypto.IsPositive() {
			return nil
		}

		// 扣减双方残量
		if err := s.consumeRemaining(tx, buy, matchFiat); err != nil {
			return err
		}
		if err := s.consumeRemaining(tx, sell, matchFiat); err != nil {
			return err
		}

		t := &trade.Trade{
			OrderID:      buy.ID,
			BuyerID:      buy.UserID,
			SellerID:     sell.UserID,
			Asset:        sell.Asset,
			AmountCrypto: amountCrypto,
			AmountFiat:   matchFiat,
			PricePerUnit: pricePerUnit,
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

	if out != nil {
		s.machine.PublishCreated(ctx, out)
		s.publishOrderbook(ctx, aID)
		s.publishOrderbook(ctx, bID)
	}
	return out, nil
}

// clampMatch 按双方单笔匹配边界收敛匹配额，不满足下界返回零
func clampMatch(matchFiat decimal.Decimal, buy, sell *Order) decimal.Decimal {
	for _, o := range []*Order{buy, sell} {
		if o.MaxMatchFiat.IsPositive() && matchFiat.GreaterThan(o.MaxMatchFiat) {
			matchFiat = o.MaxMatchFiat
		}
	}
	for _, o := range []*Order{buy, sell} {
		if o.MinMatchFiat.IsPositive() && matchFiat.LessThan(o.MinMatchFiat) {
			return decimal.Zero
		}
	}
	return matchFiat
}

// consumeRemaining 事务内扣减残量，扣到零转 filled
func (s *Service) consumeRemaining(tx *gorm.DB, o *Order, fiat decimal.Decimal) error {
	newRemaining := o.RemainingFiat.Sub(fiat)
	if newRemaining.IsNegative() {
		return fmt.Errorf("order %s remaining underflow", o.ID)
	}
	status := o.Status
	if newRemaining.IsZero() {
		status = StatusFilled
	}
	err := tx.Model(&Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{
			"remaining_fiat": newRemaining,
			"status":         status,
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return err
	}
	o.RemainingFiat = newRemaining
	o.Status = status
	return nil
}

// orderFilled 订单是否已吃满
func (s *Service) orderFilled(ctx context.Context, id uuid.UUID) bool {
	var o Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return false
	}
	return !o.IsActive()
}

// publishOrderbook 发布盘口增量 (best-effort)
func (s *Service) publishOrderbook(ctx context.Context, orderID uuid.UUID) {
	if s.bus == nil {
		return
	}
	var o Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error; err != nil {
		log.Printf("[Matcher] orderbook publish read: %v", err)
		return
	}
	s.bus.PublishOrderbook(ctx, orderbookEvent(&o))
}
