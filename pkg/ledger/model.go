// 文件: pkg/ledger/model.go
// 账本模块 - 数据模型
//
// 三字段余额 (available/locked/pending_deposit) + 追加式账本。
// 每次余额变动写且仅写一条账本记录，携带变动后余额供审计回放。

package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maplex.com/pkg/chain"
)

// =============================================================================
// 余额字段
// =============================================================================

// Field 余额的三个字段
type Field string

const (
	FieldAvailable      Field = "available"
	FieldLocked         Field = "locked"
	FieldPendingDeposit Field = "pending_deposit"
)

// Valid 是否为合法字段
func (f Field) Valid() bool {
	switch f {
	case FieldAvailable, FieldLocked, FieldPendingDeposit:
		return true
	}
	return false
}

// =============================================================================
// 账本类型
// =============================================================================

// EntryType 账本记录类型
type EntryType string

const (
	EntryDepositPending        EntryType = "deposit_pending"
	EntryDepositPendingCleared EntryType = "deposit_pending_cleared"
	EntryDepositConfirmed      EntryType = "deposit_confirmed"
	EntryWithdrawalRequested   EntryType = "withdrawal_requested"
	EntryWithdrawalCancelled   EntryType = "withdrawal_cancelled"
	EntryWithdrawalFailed      EntryType = "withdrawal_failed"
	EntryWithdrawalRejected    EntryType = "withdrawal_rejected"
	EntryTradeEscrowLock       EntryType = "trade_escrow_lock"
	EntryTradeEscrowRelease    EntryType = "trade_escrow_release"
	EntryTradeEscrowReturn     EntryType = "trade_escrow_return"
	EntryTradeCredit           EntryType = "trade_credit"
	EntryFeeCredit             EntryType = "fee_credit"
	EntryStakingLock           EntryType = "staking_lock"
	EntryStakingUnlock         EntryType = "staking_unlock"
	EntryStakingReward         EntryType = "staking_reward"
	EntryAdminAdjustment       EntryType = "admin_adjustment"
)

// =============================================================================
// 数据库模型
// =============================================================================

// Balance 余额表，(user_id, asset) 唯一
type Balance struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:char(36);uniqueIndex:uk_user_asset"`
	Asset          chain.Asset     `gorm:"column:asset;type:varchar(8);uniqueIndex:uk_user_asset"`
	Available      decimal.Decimal `gorm:"column:available;type:decimal(46,18)"`
	Locked         decimal.Decimal `gorm:"column:locked;type:decimal(46,18)"`
	PendingDeposit decimal.Decimal `gorm:"column:pending_deposit;type:decimal(46,18)"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Balance) TableName() string {
	return "balances"
}

// Get 读取指定字段的值
func (b *Balance) Get(f Field) decimal.Decimal {
	switch f {
	case FieldAvailable:
		return b.Available
	case FieldLocked:
		return b.Locked
	case FieldPendingDeposit:
		return b.PendingDeposit
	}
	return decimal.Zero
}

// Set 写入指定字段的值
func (b *Balance) Set(f Field, v decimal.Decimal) {
	switch f {
	case FieldAvailable:
		b.Available = v
	case FieldLocked:
		b.Locked = v
	case FieldPendingDeposit:
		b.PendingDeposit = v
	}
}

// Entry 账本记录，写入后不可变
type Entry struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	EntryID        uuid.UUID       `gorm:"column:entry_id;type:char(36);uniqueIndex"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:char(36);index:idx_ledger_user"`
	Asset          chain.Asset     `gorm:"column:asset;type:varchar(8);index:idx_ledger_user"`
	EntryType      EntryType       `gorm:"column:entry_type;type:varchar(32)"`
	Field          Field           `gorm:"column:field;type:varchar(16)"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"` // 有符号: 贷记 + / 借记 -
	BalanceAfter   decimal.Decimal `gorm:"column:balance_after;type:decimal(46,18)"`
	IdempotencyKey string          `gorm:"column:idempotency_key;type:varchar(128);uniqueIndex"`
	TradeID        *uuid.UUID      `gorm:"column:trade_id;type:char(36)"`
	DepositID      *uuid.UUID      `gorm:"column:deposit_id;type:char(36)"`
	WithdrawalID   *uuid.UUID      `gorm:"column:withdrawal_id;type:char(36)"`
	Note           string          `gorm:"column:note;type:varchar(255)"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (Entry) TableName() string {
	return "balance_ledger"
}

// =============================================================================
// 变更请求
// =============================================================================

// Mutation 余额变更请求
//
// 这是整个系统里唯一允许改动余额行的入口参数。
// IdempotencyKey 约定格式 "{domain}:{refId}:{step}"，
// 如 "trade:<uuid>:escrow_lock:locked"。
type Mutation struct {
	UserID         uuid.UUID
	Asset          chain.Asset
	Field          Field
	Amount         decimal.Decimal // 有符号
	EntryType      EntryType
	IdempotencyKey string

	// 关联业务 (最多一个)
	TradeID      *uuid.UUID
	DepositID    *uuid.UUID
	WithdrawalID *uuid.UUID

	Note string

	// AllowNegative 仅平台账户合法
	AllowNegative bool
}

// =============================================================================
// 导出事件 (Kafka/NATS 流水流)
// =============================================================================

// JournalEvent 账本导出事件
// 提交成功后 best-effort 推送到流水流，供归档/风控消费。
// 订阅方必须幂等，数据库才是事实来源。
type JournalEvent struct {
	Seq            int64           `json:"seq"` // snowflake
	EntryID        string          `json:"entry_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         string          `json:"user_id"`
	Asset          string          `json:"asset"`
	EntryType      EntryType       `json:"entry_type"`
	Field          Field           `json:"field"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ToJSON 序列化 (供流水流发送)
func (e *JournalEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
