// 文件: pkg/withdrawal/model.go
// 提现模型
//
// amount 是全额扣减 (含网络费)，netAmount = amount − fee 才是上链金额。
// 退款永远退 amount。

package withdrawal

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// =============================================================================
// 状态
// =============================================================================

type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusBroadcasting  Status = "broadcasting"
	StatusConfirmed     Status = "confirmed" // 终态
	StatusFailed        Status = "failed"    // 终态: 已退款
	StatusCancelled     Status = "cancelled" // 终态: 已退款
)

// =============================================================================
// Withdrawal
// =============================================================================

type Withdrawal struct {
	ID             uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:char(36);index"`
	Asset          chain.Asset     `gorm:"column:asset;type:varchar(8)"`
	Chain          chain.Chain     `gorm:"column:chain;type:varchar(16)"`
	Address        string          `gorm:"column:address;type:varchar(128)"`
	DestinationTag *uint32         `gorm:"column:destination_tag"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"`     // 全额 (含费)
	Fee            decimal.Decimal `gorm:"column:fee;type:decimal(46,18)"`        // 网络费
	NetAmount      decimal.Decimal `gorm:"column:net_amount;type:decimal(46,18)"` // 上链金额
	CadValue       decimal.Decimal `gorm:"column:cad_value;type:decimal(14,2)"`   // 提交时的 CAD 估值
	Status         Status          `gorm:"column:status;type:varchar(16);index"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(128)"`
	FailureReason  string          `gorm:"column:failure_reason;type:varchar(255)"`
	BroadcastAt    *time.Time      `gorm:"column:broadcast_at"`
	ConfirmedAt    *time.Time      `gorm:"column:confirmed_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawals"
}

// =============================================================================
// 提现地址簿
// =============================================================================

// Address 用户保存的提现地址，新地址有 24h 冷却
type Address struct {
	ID             uuid.UUID   `gorm:"column:id;type:char(36);primaryKey"`
	UserID         uuid.UUID   `gorm:"column:user_id;type:char(36);uniqueIndex:uk_user_address"`
	Chain          chain.Chain `gorm:"column:chain;type:varchar(16);uniqueIndex:uk_user_address"`
	AddressValue   string      `gorm:"column:address;type:varchar(128);uniqueIndex:uk_user_address"`
	DestinationTag *uint32     `gorm:"column:destination_tag"`
	Label          string      `gorm:"column:label;type:varchar(64)"`
	CreatedAt      time.Time   `gorm:"column:created_at"`
}

func (Address) TableName() string {
	return "withdrawal_addresses"
}

// =============================================================================
// 网络费表
// =============================================================================

// networkFees 各资产的固定提现费 (BTC/LTC 的实际链上费在签名时另算，
// 这里是向用户收取的部分)
var networkFees = map[chain.Asset]decimal.Decimal{
	chain.AssetBTC:  decimal.RequireFromString("0.0002"),
	chain.AssetETH:  decimal.RequireFromString("0.001"),
	chain.AssetLTC:  decimal.RequireFromString("0.001"),
	chain.AssetXRP:  decimal.RequireFromString("0.02"),
	chain.AssetSOL:  decimal.RequireFromString("0.00001"),
	chain.AssetLINK: decimal.RequireFromString("0.3"),
}

// NetworkFee 资产的提现网络费
func NetworkFee(a chain.Asset) decimal.Decimal {
	return networkFees[a]
}
