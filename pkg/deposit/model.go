// 文件: pkg/deposit/model.go
// 充值模型
//
// (tx_hash, chain) 唯一是幂等的根基: 扫描重复探测到同一笔入账时
// 靠唯一键冲突静默退出，绝不重复记账。

package deposit

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
	StatusPending  Status = "pending"
	StatusCredited Status = "credited" // 终态
	StatusExpired  Status = "expired"  // 终态: 72h 未达确认数
	StatusFailed   Status = "failed"   // 终态
)

// =============================================================================
// Deposit
// =============================================================================

type Deposit struct {
	ID                    uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	UserID                uuid.UUID       `gorm:"column:user_id;type:char(36);index"`
	WalletID              uuid.UUID       `gorm:"column:wallet_id;type:char(36)"`
	Asset                 chain.Asset     `gorm:"column:asset;type:varchar(8)"`
	Chain                 chain.Chain     `gorm:"column:chain;type:varchar(16);uniqueIndex:uk_deposit_tx"`
	TxHash                string          `gorm:"column:tx_hash;type:varchar(128);uniqueIndex:uk_deposit_tx"`
	Amount                decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"`
	Confirmations         int64           `gorm:"column:confirmations"`
	RequiredConfirmations int64           `gorm:"column:required_confirmations"`
	Status                Status          `gorm:"column:status;type:varchar(12);index"`
	CreditedAt            *time.Time      `gorm:"column:credited_at"`
	CreatedAt             time.Time       `gorm:"column:created_at;index"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (Deposit) TableName() string {
	return "deposits"
}
