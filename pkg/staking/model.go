// 文件: pkg/staking/model.go
// 质押模型
//
// 同一用户同一产品最多一个活跃仓位: active 列用 *bool 配唯一索引，
// 活跃为 true，关闭置 NULL (MySQL 唯一索引允许多个 NULL)。

package staking

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// =============================================================================
// 产品
// =============================================================================

// Product 质押产品
type Product struct {
	ID        uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	Asset     chain.Asset     `gorm:"column:asset;type:varchar(8);index"`
	Name      string          `gorm:"column:name;type:varchar(64)"`
	ApyPct    decimal.Decimal `gorm:"column:apy_pct;type:decimal(6,3)"` // 年化 (%)
	MinAmount decimal.Decimal `gorm:"column:min_amount;type:decimal(46,18)"`
	Enabled   bool            `gorm:"column:enabled;default:true"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func (Product) TableName() string {
	return "staking_products"
}

// =============================================================================
// 仓位
// =============================================================================

type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Position 质押仓位
type Position struct {
	ID            uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	UserID        uuid.UUID       `gorm:"column:user_id;type:char(36);uniqueIndex:uk_active_position"`
	ProductID     uuid.UUID       `gorm:"column:product_id;type:char(36);uniqueIndex:uk_active_position"`
	Asset         chain.Asset     `gorm:"column:asset;type:varchar(8)"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"`
	Status        PositionStatus  `gorm:"column:status;type:varchar(8);index"`
	Active        *bool           `gorm:"column:active;uniqueIndex:uk_active_position"` // true=活跃, NULL=关闭
	LastAccrualAt time.Time       `gorm:"column:last_accrual_at"`
	ClosedAt      *time.Time      `gorm:"column:closed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (Position) TableName() string {
	return "staking_positions"
}

// =============================================================================
// 收益记录
// =============================================================================

// Earning 一次计息记录
type Earning struct {
	ID         uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	PositionID uuid.UUID       `gorm:"column:position_id;type:char(36);index"`
	UserID     uuid.UUID       `gorm:"column:user_id;type:char(36);index"`
	Asset      chain.Asset     `gorm:"column:asset;type:varchar(8)"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"`
	Days       decimal.Decimal `gorm:"column:days;type:decimal(10,6)"` // 本次计息覆盖的天数
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

func (Earning) TableName() string {
	return "staking_earnings"
}
