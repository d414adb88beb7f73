// 文件: pkg/withdrawal/service.go
// 提现提交与审批
//
// 【契约】
// - 提交即扣款: 提现行与 available 扣减在同一事务，幂等键
//   withdrawal_debit:{id}。广播器看到的 approved 行一定已扣过款。
// - CAD 估值低于自动批准阈值直接 approved，否则 pending_review 等管理员。
// - 限额按自然日/自然月的 CAD 估值累计。
// - 冷却: 新提现地址 24h 内禁提；改密后 24h 内禁提；
//   两笔提现之间有最小间隔。
// - 取消/驳回都是行锁下的状态检查 + 退款，键各自独立，
//   与广播失败退款 (withdrawal_refund) 互不冲突。

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/price"
	"maplex.com/pkg/user"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrNotCancellable      = errors.New("withdrawal can no longer be cancelled")
	ErrNotReviewable       = errors.New("withdrawal is not pending review")
	ErrAmountBelowFee      = errors.New("withdrawal amount does not cover the network fee")
	ErrAddressUnknown      = errors.New("address is not in the withdrawal address book")
	ErrAddressCooldown     = errors.New("address was added less than 24h ago")
	ErrPasswordCooldown    = errors.New("withdrawals are locked after a password change")
	ErrWithdrawalCooldown  = errors.New("too soon after the previous withdrawal")
	ErrDailyLimitExceeded  = errors.New("daily withdrawal limit exceeded")
	ErrMonthlyLimitReached = errors.New("monthly withdrawal limit exceeded")
)

// =============================================================================
// 配置
// =============================================================================

// Config 提现配置
type Config struct {
	AutoApproveCadLimit decimal.Decimal // 低于该 CAD 估值自动批准
	DailyLimitCad       decimal.Decimal
	MonthlyLimitCad     decimal.Decimal
	WithdrawalCooldown  time.Duration // 两笔提现的最小间隔
	AddressCooldown     time.Duration // 新地址冷却
	PasswordCooldown    time.Duration // 改密后冷却
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		AutoApproveCadLimit: decimal.NewFromInt(1000),
		DailyLimitCad:       decimal.NewFromInt(10000),
		MonthlyLimitCad:     decimal.NewFromInt(100000),
		WithdrawalCooldown:  10 * time.Minute,
		AddressCooldown:     24 * time.Hour,
		PasswordCooldown:    24 * time.Hour,
	}
}

// =============================================================================
// Service
// =============================================================================

// Service 提现提交与审批
type Service struct {
	db     *gorm.DB
	ledger *ledger.Engine
	oracle price.Oracle
	notify *notify.Writer
	cfg    Config
}

// NewService 创建提现服务
func NewService(db *gorm.DB, eng *ledger.Engine, oracle price.Oracle,
	notifier *notify.Writer, cfg Config) *Service {
	return &Service{db: db, ledger: eng, oracle: oracle, notify: notifier, cfg: cfg}
}

// =============================================================================
// 地址簿
// =============================================================================

// AddAddress 保存提现地址 (冷却从此刻起算)
func (s *Service) AddAddress(ctx context.Context, userID uuid.UUID, c chain.Chain,
	address, label string, tag *uint32) (*Address, error) {
	a := &Address{
		ID:             uuid.New(),
		UserID:         userID,
		Chain:          c,
		AddressValue:   address,
		DestinationTag: tag,
		Label:          label,
		CreatedAt:      time.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(a).Error
	if err != nil {
		return nil, err
	}
	return a, nil
}

// =============================================================================
// 提交
// =============================================================================

// SubmitRequest 提现请求
type SubmitRequest struct {
	UserID         uuid.UUID
	Asset          chain.Asset
	Address        string
	DestinationTag *uint32
	Amount         decimal.Decimal // 全额 (含费)
}

// Submit 提交提现: 校验 → 扣款 → 落行 (单事务)
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Withdrawal, error) {
	if !req.Asset.Valid() || !req.Amount.IsPositive() {
		return nil, fmt.Errorf("invalid withdrawal request")
	}
	fee := NetworkFee(req.Asset)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return nil, ErrAmountBelowFee
	}
	c := chain.ChainOf(req.Asset)

	// CAD 估值 (限额与自动批准共用)
	assetPrice, err := s.oracle.Price(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	cadValue := req.Amount.Mul(assetPrice).Round(2)

	var out *Withdrawal
	err = s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		// ===== 冷却 =====
		var u user.User
		if err := tx.Where("id = ?", req.UserID).First(&u).Error; err != nil {
			return err
		}
		now := time.Now()
		if u.PasswordChangedAt != nil && now.Sub(*u.PasswordChangedAt) < s.cfg.PasswordCooldown {
			return ErrPasswordCooldown
		}

		var addr Address
		err := tx.Where("user_id = ? AND chain = ? AND address = ?", req.UserID, c, req.Address).
			First(&addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAddressUnknown
		}
		if err != nil {
			return err
		}
		if now.Sub(addr.CreatedAt) < s.cfg.AddressCooldown {
			return ErrAddressCooldown
		}

		var last Withdrawal
		err = tx.Where("user_id = ? AND status NOT IN ?", req.UserID,
			[]Status{StatusFailed, StatusCancelled}).
			Order("created_at DESC").
			First(&last).Error
		if err == nil && now.Sub(last.CreatedAt) < s.cfg.WithdrawalCooldown {
			return ErrWithdrawalCooldown
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// ===== 日/月限额 =====
		if err := s.checkLimits(tx, req.UserID, cadValue, now); err != nil {
			return err
		}

		// ===== 扣款 + 落行 =====
		w := &Withdrawal{
			ID:             uuid.New(),
			UserID:         req.UserID,
			Asset:          req.Asset,
			Chain:          c,
			Address:        req.Address,
			DestinationTag: req.DestinationTag,
			Amount:         req.Amount,
			Fee:            fee,
			NetAmount:      net,
			CadValue:       cadValue,
			Status:         StatusPendingReview,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if cadValue.LessThanOrEqual(s.cfg.AutoApproveCadLimit) {
			w.Status = StatusApproved
		}

		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         req.UserID,
			Asset:          req.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         req.Amount.Neg(),
			EntryType:      ledger.EntryWithdrawalRequested,
			IdempotencyKey: fmt.Sprintf("withdrawal_debit:%s", w.ID),
			WithdrawalID:   &w.ID,
		}); err != nil {
			return err
		}
		if err := tx.Create(w).Error; err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkLimits 自然日/自然月 CAD 累计限额
// failed/cancelled 不占额度 (已退款)。
func (s *Service) checkLimits(tx *gorm.DB, userID uuid.UUID, cadValue decimal.Decimal, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	excluded := []Status{StatusFailed, StatusCancelled}

	var dayTotal decimal.NullDecimal
	err := tx.Model(&Withdrawal{}).
		Select("SUM(cad_value)").
		Where("user_id = ? AND created_at >= ? AND status NOT IN ?", userID, dayStart, excluded).
		Scan(&dayTotal).Error
	if err != nil {
		return err
	}
	if dayTotal.Valid && dayTotal.Decimal.Add(cadValue).GreaterThan(s.cfg.DailyLimitCad) {
		return ErrDailyLimitExceeded
	} else if !dayTotal.Valid && cadValue.GreaterThan(s.cfg.DailyLimitCad) {
		return ErrDailyLimitExceeded
	}

	var monthTotal decimal.NullDecimal
	err = tx.Model(&Withdrawal{}).
		Select("SUM(cad_value)").
		Where("user_id = ? AND created_at >= ? AND status NOT IN ?", userID, monthStart, excluded).
		Scan(&monthTotal).Error
	if err != nil {
		return err
	}
	total := cadValue
	if monthTotal.Valid {
		total = monthTotal.Decimal.Add(cadValue)
	}
	if total.GreaterThan(s.cfg.MonthlyLimitCad) {
		return ErrMonthlyLimitReached
	}
	return nil
}

// =============================================================================
// 取消 / 审批
// =============================================================================

// Cancel 用户取消 (仅 pending_review，退全款)
func (s *Service) Cancel(ctx context.Context, withdrawalID, userID uuid.UUID) error {
	return s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var w Withdrawal
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", withdrawalID, userID).
			First(&w).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWithdrawalNotFound
		}
		if err != nil {
			return err
		}
		if w.Status != StatusPendingReview {
			return ErrNotCancellable
		}
		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         w.UserID,
			Asset:          w.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         w.Amount,
			EntryType:      ledger.EntryWithdrawalCancelled,
			IdempotencyKey: fmt.Sprintf("withdrawal_cancel:%s", w.ID),
			WithdrawalID:   &w.ID,
		}); err != nil {
			return err
		}
		return tx.Model(&Withdrawal{}).Where("id = ?", w.ID).
			Updates(map[string]any{"status": StatusCancelled, "updated_at": time.Now()}).Error
	})
}

// Approve 管理员批准 (pending_review → approved)
func (s *Service) Approve(ctx context.Context, withdrawalID uuid.UUID) error {
	err := s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var w Withdrawal
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", withdrawalID).First(&w).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWithdrawalNotFound
		}
		if err != nil {
			return err
		}
		if w.Status != StatusPendingReview {
			return ErrNotReviewable
		}
		if err := tx.Model(&Withdrawal{}).Where("id = ?", w.ID).
			Updates(map[string]any{"status": StatusApproved, "updated_at": time.Now()}).
			Error; err != nil {
			return err
		}
		s.notify.WriteTx(tx, w.UserID, notify.KindWithdrawalApproved,
			"Withdrawal approved",
			fmt.Sprintf("%s %s withdrawal is queued for broadcast", w.NetAmount, w.Asset))
		return nil
	})
	return err
}

// Reject 管理员驳回 (pending_review → failed，退全款)
func (s *Service) Reject(ctx context.Context, withdrawalID uuid.UUID, reason string) error {
	return s.ledger.Transaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var w Withdrawal
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", withdrawalID).First(&w).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWithdrawalNotFound
		}
		if err != nil {
			return err
		}
		if w.Status != StatusPendingReview {
			return ErrNotReviewable
		}
		if err := s.ledger.Mutate(tx, ledger.Mutation{
			UserID:         w.UserID,
			Asset:          w.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         w.Amount,
			EntryType:      ledger.EntryWithdrawalRejected,
			IdempotencyKey: fmt.Sprintf("withdrawal_reject:%s", w.ID),
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
		s.notify.WriteTx(tx, w.UserID, notify.KindWithdrawalFailed,
			"Withdrawal rejected",
			fmt.Sprintf("%s %s withdrawal was rejected: %s", w.NetAmount, w.Asset, reason))
		return nil
	})
}

// Get 查询提现
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	var w Withdrawal
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
