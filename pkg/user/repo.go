// 文件: pkg/user/repo.go
// 用户存储 (GORM 实现)
//
// 成交计数晋级和手续费抵扣都发生在交易状态机的事务里，
// 所以这里的写操作全部接受事务句柄。

package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/ledger"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// Repository 用户仓库
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建用户仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// =============================================================================
// 查询
// =============================================================================

// Get 根据ID查询
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetForUpdate 事务内加行锁查询
func (r *Repository) GetForUpdate(tx *gorm.DB, id uuid.UUID) (*User, error) {
	var u User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// 创建
// =============================================================================

// Create 创建用户并初始化全部余额行 (单事务)
func (r *Repository) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.KYCStatus == "" {
		u.KYCStatus = KYCPending
	}
	if u.MaxTradeLimit.IsZero() {
		u.MaxTradeLimit = LimitForTradeCount(0)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrEmailTaken
			}
			return err
		}
		return ledger.InitBalances(tx, u.ID)
	})
}

// EnsurePlatformUser 平台账户初始化 (进程启动时调用，幂等)
func (r *Repository) EnsurePlatformUser(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		platform := &User{
			ID:            PlatformUserID,
			Email:         "platform@maplex.internal",
			KYCStatus:     KYCVerified,
			MaxTradeLimit: decimal.NewFromInt(0), // 平台不受限额约束
			Autodeposit:   true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(platform).Error; err != nil {
			return fmt.Errorf("ensure platform user: %w", err)
		}
		return ledger.InitBalances(tx, PlatformUserID)
	})
}

// =============================================================================
// 成交晋级
// =============================================================================

// GraduateTradeLimit 事务内递增成交计数并按阶梯晋级限额
func (r *Repository) GraduateTradeLimit(tx *gorm.DB, id uuid.UUID) error {
	u, err := r.GetForUpdate(tx, id)
	if err != nil {
		return err
	}
	// 平台账户不参与阶梯
	if u.IsPlatform() {
		return nil
	}
	newCount := u.TradeCount + 1
	return tx.Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"trade_count":     newCount,
			"max_trade_limit": LimitForTradeCount(newCount),
			"updated_at":      time.Now(),
		}).Error
}

// DeductFeeCredit 事务内扣减手续费抵扣额度
// 余额不足抵扣额时按实际余额扣，返回实际扣减值。
func (r *Repository) DeductFeeCredit(tx *gorm.DB, id uuid.UUID, wantCad decimal.Decimal) (decimal.Decimal, error) {
	u, err := r.GetForUpdate(tx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if u.FeeCreditCad.LessThanOrEqual(decimal.Zero) || wantCad.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	used := decimal.Min(u.FeeCreditCad, wantCad)
	err = tx.Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"fee_credit_cad": u.FeeCreditCad.Sub(used),
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return decimal.Zero, err
	}
	return used, nil
}

// SetKYCStatus 管理端更新 KYC 状态
func (r *Repository) SetKYCStatus(ctx context.Context, id uuid.UUID, status KYCStatus) error {
	result := r.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"kyc_status": status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// isDuplicateKeyError 判断是否为重复键错误
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// MySQL error code 1062 = Duplicate entry
	errStr := err.Error()
	return strings.Contains(errStr, "Duplicate entry") || strings.Contains(errStr, "1062")
}
