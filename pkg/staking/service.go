// 文件: pkg/staking/service.go
// 质押服务
//
// 【契约】
// - Stake: available → locked (staking_lock)，重复仓位靠唯一索引拦截。
//   并发抢同一笔余额时恰好一个成功，另一个收 InsufficientFunds
//   或 ErrDuplicatePosition，available + locked 总量不变。
// - Unstake: locked → available (staking_unlock)，行锁下复检仓位状态，
//   避免与计息赛跑。
// - AccrueEarnings: 距上次计息超过 23h 的活跃仓位，
//   reward = amount × apy% / 365 × 天数，入 available (staking_reward)，
//   落 earnings 行并推进 last_accrual_at。

package staking

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

	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
)

var (
	ErrProductNotFound   = errors.New("staking product not found")
	ErrProductDisabled   = errors.New("staking product is disabled")
	ErrBelowMinimum      = errors.New("stake amount below product minimum")
	ErrDuplicatePosition = errors.New("active position already exists for this product")
	ErrPositionNotFound  = errors.New("staking position not found")
	ErrPositionClosed    = errors.New("staking position already closed")
)

// accrualMinAge 距上次计息至少要过这么久才再次计息
const accrualMinAge = 23 * time.Hour

var (
	daysPerYear  = decimal.NewFromInt(365)
	hoursPerDay  = decimal.NewFromInt(24)
	oneHundred   = decimal.NewFromInt(100)
	activeMarker = true
)

// Service 质押服务
type Service struct {
	db     *gorm.DB
	ledger *ledger.Engine
	notify *notify.Writer
}

// NewService 创建质押服务
func NewService(db *gorm.DB, eng *ledger.Engine, notifier *notify.Writer) *Service {
	return &Service{db: db, ledger: eng, notify: notifier}
}

// =============================================================================
// 质押 / 赎回
// =============================================================================

// Stake 开仓 (单事务)
func (s *Service) Stake(ctx context.Context, userID, productID uuid.UUID, amount decimal.Decimal) (*Position, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("stake amount must be positive")
	}

	var out *Position
	err := s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var p Product
		err := tx.Where("id = ?", productID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrProductNotFound
		}
		if err != nil {
			return err
		}
		if !p.Enabled {
			return ErrProductDisabled
		}
		if amount.LessThan(p.MinAmount) {
			return fmt.Errorf("%w: minimum %s %s", ErrBelowMinimum, p.MinAmount, p.Asset)
		}

		now := time.Now()
		pos := &Position{
			ID:            uuid.New(),
			UserID:        userID,
			ProductID:     productID,
			Asset:         p.Asset,
			Amount:        amount,
			Status:        PositionActive,
			Active:        &activeMarker,
			LastAccrualAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// 唯一索引 (user, product, active) 拦截重复开仓
		if err := tx.Create(pos).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicatePosition
			}
			return err
		}

		// available → locked，余额不足在这里报错回滚
		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         userID,
			Asset:          p.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         amount.Neg(),
			EntryType:      ledger.EntryStakingLock,
			IdempotencyKey: fmt.Sprintf("staking:%s:lock:available", pos.ID),
		}); err != nil {
			return err
		}
		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         userID,
			Asset:          p.Asset,
			Field:          ledger.FieldLocked,
			Amount:         amount,
			EntryType:      ledger.EntryStakingLock,
			IdempotencyKey: fmt.Sprintf("staking:%s:lock:locked", pos.ID),
		}); err != nil {
			return err
		}
		out = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unstake 平仓 (单事务，行锁下复检状态)
func (s *Service) Unstake(ctx context.Context, userID, positionID uuid.UUID) error {
	return s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var pos Position
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", positionID, userID).
			First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPositionNotFound
		}
		if err != nil {
			return err
		}
		if pos.Status != PositionActive {
			return ErrPositionClosed
		}

		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         userID,
			Asset:          pos.Asset,
			Field:          ledger.FieldLocked,
			Amount:         pos.Amount.Neg(),
			EntryType:      ledger.EntryStakingUnlock,
			IdempotencyKey: fmt.Sprintf("staking:%s:unlock:locked", pos.ID),
		}); err != nil {
			return err
		}
		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         userID,
			Asset:          pos.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         pos.Amount,
			EntryType:      ledger.EntryStakingUnlock,
			IdempotencyKey: fmt.Sprintf("staking:%s:unlock:available", pos.ID),
		}); err != nil {
			return err
		}

		now := time.Now()
		return tx.Model(&Position{}).Where("id = ?", pos.ID).
			Updates(map[string]any{
				"status":     PositionClosed,
				"active":     gorm.Expr("NULL"),
				"closed_at":  now,
				"updated_at": now,
			}).Error
	})
}

// =============================================================================
// 计息 (定时任务入口)
// =============================================================================

// AccrueEarnings 跑一轮计息，返回计息的仓位数
// 单仓位失败只记日志不中断。
func (s *Service) AccrueEarnings(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-accrualMinAge)
	var due []Position
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_accrual_at < ?", PositionActive, cutoff).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	accrued := 0
	for _, pos := range due {
		if err := s.accrueOne(ctx, pos.ID); err != nil {
			log.Printf("[Staking] accrue %s: %v", pos.ID, err)
			continue
		}
		accrued++
	}
	return accrued, nil
}

// accrueOne 单仓位计息 (单事务，行锁下复检避免与赎回赛跑)
func (s *Service) accrueOne(ctx context.Context, positionID uuid.UUID) error {
	return s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var pos Position
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", positionID).First(&pos).Error
		if err != nil {
			return err
		}
		if pos.Status != PositionActive {
			return nil // 已赎回
		}

		now := time.Now()
		elapsed := now.Sub(pos.LastAccrualAt)
		if elapsed < accrualMinAge {
			return nil // 并发轮次已计息
		}

		var p Product
		if err := tx.Where("id = ?", pos.ProductID).First(&p).Error; err != nil {
			return err
		}

		days := decimal.NewFromFloat(elapsed.Hours()).Div(hoursPerDay)
		reward := pos.Amount.
			Mul(p.ApyPct).Div(oneHundred).
			Div(daysPerYear).
			Mul(days).
			RoundDown(18)
		if !reward.IsPositive() {
			return nil
		}

		earning := &Earning{
			ID:         uuid.New(),
			PositionID: pos.ID,
			UserID:     pos.UserID,
			Asset:      pos.Asset,
			Amount:     reward,
			Days:       days.Round(6),
			CreatedAt:  now,
		}
		if err := tx.Create(earning).Error; err != nil {
			return err
		}

		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         pos.UserID,
			Asset:          pos.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         reward,
			EntryType:      ledger.EntryStakingReward,
			IdempotencyKey: fmt.Sprintf("staking:%s:reward:%s", pos.ID, earning.ID),
		}); err != nil {
			return err
		}

		if err := tx.Model(&Position{}).Where("id = ?", pos.ID).
			Updates(map[string]any{
				"last_accrual_at": now,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}

		s.notify.WriteTx(tx, pos.UserID, notify.KindStakingReward,
			"Staking reward",
			fmt.Sprintf("earned %s %s", reward, pos.Asset))
		return nil
	})
}

// isDuplicateKeyError 判断是否为重复键错误
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// MySQL error code 1062 = Duplicate entry
	return strings.Contains(err.Error(), "Duplicate entry") || strings.Contains(err.Error(), "1062")
}

// ListActivePositions 用户的活跃仓位
func (s *Service) ListActivePositions(ctx context.Context, userID uuid.UUID) ([]Position, error) {
	var positions []Position
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, PositionActive).
		Find(&positions).Error
	return positions, err
}
