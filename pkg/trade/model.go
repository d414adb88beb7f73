// 文件: pkg/trade/model.go
// 交易模型与状态表
//
// 一笔交易 = 一对撮合好的买卖双方。状态机之外不允许改 status。

package trade

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
	StatusPending          Status = "pending"
	StatusEscrowFunded     Status = "escrow_funded"
	StatusPaymentSent      Status = "payment_sent"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusCryptoReleased   Status = "crypto_released"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
	StatusDisputed         Status = "disputed"
	StatusResolvedBuyer    Status = "resolved_buyer"
	StatusResolvedSeller   Status = "resolved_seller"
)

// transitions 合法状态迁移表，表外一律拒绝
var transitions = map[Status][]Status{
	StatusPending:          {StatusEscrowFunded, StatusExpired, StatusCancelled},
	StatusEscrowFunded:     {StatusPaymentSent, StatusExpired, StatusCancelled},
	StatusPaymentSent:      {StatusPaymentConfirmed, StatusDisputed, StatusExpired},
	StatusPaymentConfirmed: {StatusCryptoReleased, StatusDisputed, StatusExpired},
	StatusCryptoReleased:   {StatusCompleted},
	StatusDisputed:         {StatusResolvedBuyer, StatusResolvedSeller},
}

// CanTransition 校验迁移是否合法
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusResolvedBuyer, StatusResolvedSeller:
		return true
	}
	return false
}

// holdsEscrow 该状态下卖方托管是否仍被锁定
func (s Status) holdsEscrow() bool {
	switch s {
	case StatusEscrowFunded, StatusPaymentSent, StatusPaymentConfirmed, StatusCryptoReleased, StatusDisputed:
		return true
	}
	return false
}

// =============================================================================
// Trade
// =============================================================================

type Trade struct {
	ID           uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	OrderID      uuid.UUID       `gorm:"column:order_id;type:char(36);index"`
	BuyerID      uuid.UUID       `gorm:"column:buyer_id;type:char(36);index"`
	SellerID     uuid.UUID       `gorm:"column:seller_id;type:char(36);index"`
	Asset        chain.Asset     `gorm:"column:crypto_asset;type:varchar(8)"`
	AmountCrypto decimal.Decimal `gorm:"column:amount_crypto;type:decimal(46,18)"`
	AmountFiat   decimal.Decimal `gorm:"column:amount_fiat;type:decimal(14,2)"` // CAD
	PricePerUnit decimal.Decimal `gorm:"column:price_per_unit;type:decimal(20,2)"`
	FeePercent   decimal.Decimal `gorm:"column:fee_percent;type:decimal(6,3)"`
	FeeAmount    decimal.Decimal `gorm:"column:fee_amount;type:decimal(46,18)"` // 总费，crypto 计价
	Status       Status          `gorm:"column:status;type:varchar(24);index"`

	// 各状态时间戳
	EscrowFundedAt     *time.Time `gorm:"column:escrow_funded_at"`
	PaymentSentAt      *time.Time `gorm:"column:payment_sent_at"`
	PaymentConfirmedAt *time.Time `gorm:"column:payment_confirmed_at"`
	CryptoReleasedAt   *time.Time `gorm:"column:crypto_released_at"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`

	ExpiresAt    *time.Time `gorm:"column:expires_at;index"`    // 付款/确认截止
	HoldingUntil *time.Time `gorm:"column:holding_until;index"` // 确认后持有期

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// =============================================================================
// Dispute
// =============================================================================

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

type Dispute struct {
	ID         uuid.UUID     `gorm:"column:id;type:char(36);primaryKey"`
	TradeID    uuid.UUID     `gorm:"column:trade_id;type:char(36);uniqueIndex"` // 一笔交易最多一个争议
	OpenedBy   uuid.UUID     `gorm:"column:opened_by;type:char(36)"`
	Reason     string        `gorm:"column:reason;type:varchar(512)"`
	Status     DisputeStatus `gorm:"column:status;type:varchar(16)"`
	Resolution string        `gorm:"column:resolution;type:varchar(512)"`
	CreatedAt  time.Time     `gorm:"column:created_at"`
	ResolvedAt *time.Time    `gorm:"column:resolved_at"`
}

func (Dispute) TableName() string {
	return "disputes"
}

// =============================================================================
// 合规记录 (LVCTR / STR)
// =============================================================================

type ComplianceType string

const (
	ComplianceLVCTR ComplianceType = "LVCTR" // 大额虚拟货币交易报告 (≥ 10000 CAD)
	ComplianceSTR   ComplianceType = "STR"   // 可疑交易报告 (每次争议)
)

type ComplianceLog struct {
	ID         uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	RefNo      int64           `gorm:"column:ref_no;uniqueIndex"` // snowflake 报告编号
	Type       ComplianceType  `gorm:"column:type;type:varchar(8)"`
	TradeID    uuid.UUID       `gorm:"column:trade_id;type:char(36);index"`
	AmountFiat decimal.Decimal `gorm:"column:amount_fiat;type:decimal(14,2)"`
	Details    string          `gorm:"column:details;type:varchar(1024)"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

func (ComplianceLog) TableName() string {
	return "compliance_logs"
}
