// 文件: pkg/order/model.go
// 订单模型
//
// 订单是用户的交易意向，以 CAD 计价。撮合按 FIFO 吃单，
// 平台兜底补齐残量，不是价格时间优先的真实订单簿。

package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// =============================================================================
// 订单方向
// =============================================================================

type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

// Opposite 对手方向
func (t Type) Opposite() Type {
	if t == TypeBuy {
		return TypeSell
	}
	return TypeBuy
}

// =============================================================================
// 定价规则
// =============================================================================

type Pricing string

const (
	PricingMarket Pricing = "market" // 市价 + 溢价%
	PricingFixed  Pricing = "fixed"  // 固定价
)

// =============================================================================
// 订单状态
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFilled    Status = "filled"    // 终态
	StatusCancelled Status = "cancelled" // 终态
)

// =============================================================================
// Order
// =============================================================================

type Order struct {
	ID             uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:char(36);index"`
	Type           Type            `gorm:"column:type;type:varchar(8);index:idx_order_match"`
	Asset          chain.Asset     `gorm:"column:crypto_asset;type:varchar(8);index:idx_order_match"`
	AmountFiat     decimal.Decimal `gorm:"column:amount_fiat;type:decimal(14,2)"`
	RemainingFiat  decimal.Decimal `gorm:"column:remaining_fiat;type:decimal(14,2)"` // 不变式: 0 ≤ remaining ≤ amount
	Pricing        Pricing         `gorm:"column:pricing;type:varchar(8)"`
	PremiumPercent decimal.Decimal `gorm:"column:premium_percent;type:decimal(6,3)"` // market 规则
	FixedPrice     decimal.Decimal `gorm:"column:fixed_price;type:decimal(20,2)"`    // fixed 规则
	MinMatchFiat   decimal.Decimal `gorm:"column:min_match_fiat;type:decimal(14,2)"` // 0 = 不限
	MaxMatchFiat   decimal.Decimal `gorm:"column:max_match_fiat;type:decimal(14,2)"` // 0 = 不限
	EffectivePrice decimal.Decimal `gorm:"column:effective_price;type:decimal(20,2)"` // 下单时快照，平台补齐用
	Status         Status          `gorm:"column:status;type:varchar(12);index:idx_order_match"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// IsActive 是否可参与撮合
func (o *Order) IsActive() bool {
	return o.Status == StatusActive && o.RemainingFiat.IsPositive()
}

// MatchPrice 该订单作为卖方定价时的成交价
// 价格由卖方规则决定: fixed 用固定价，market 用市价 × (1 + 溢价%)。
func (o *Order) MatchPrice(marketPrice decimal.Decimal) decimal.Decimal {
	if o.Pricing == PricingFixed && o.FixedPrice.IsPositive() {
		return o.FixedPrice
	}
	pct := o.PremiumPercent.Div(decimal.NewFromInt(100))
	return marketPrice.Mul(decimal.NewFromInt(1).Add(pct)).Round(2)
}
