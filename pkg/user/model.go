// 文件: pkg/user/model.go
// 用户模型与交易限额阶梯

package user

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/ledger"
)

// PlatformUserID 平台账户固定 UUID (见 pkg/ledger)
var PlatformUserID = ledger.PlatformUserID

// =============================================================================
// KYC 状态
// =============================================================================

type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
	KYCDeleted  KYCStatus = "deleted"
)

// =============================================================================
// User
// =============================================================================

type User struct {
	ID             uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	Email          string          `gorm:"column:email;type:varchar(255);uniqueIndex"`
	CredentialHash string          `gorm:"column:credential_hash;type:varchar(255)"`
	KYCStatus      KYCStatus       `gorm:"column:kyc_status;type:varchar(16)"`
	TradeCount     int             `gorm:"column:trade_count"`
	MaxTradeLimit  decimal.Decimal `gorm:"column:max_trade_limit;type:decimal(14,2)"` // CAD
	Autodeposit    bool            `gorm:"column:autodeposit_verified"`               // 卖家 e-Transfer 自动入账已验证
	FeeCreditCad   decimal.Decimal `gorm:"column:fee_credit_cad;type:decimal(14,2)"`

	// 提现冷却相关
	PasswordChangedAt *time.Time `gorm:"column:password_changed_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string {
	return "users"
}

// IsPlatform 是否为平台账户
func (u *User) IsPlatform() bool {
	return u.ID == PlatformUserID
}

// =============================================================================
// 交易限额阶梯
// =============================================================================

// LimitForTradeCount 按累计成交笔数计算最大单笔限额 (CAD)
// 250 → 500@3 → 1000@5 → 2000@10 → 3000@20
func LimitForTradeCount(tradeCount int) decimal.Decimal {
	switch {
	case tradeCount >= 20:
		return decimal.NewFromInt(3000)
	case tradeCount >= 10:
		return decimal.NewFromInt(2000)
	case tradeCount >= 5:
		return decimal.NewFromInt(1000)
	case tradeCount >= 3:
		return decimal.NewFromInt(500)
	default:
		return decimal.NewFromInt(250)
	}
}
