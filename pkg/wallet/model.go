// 文件: pkg/wallet/model.go
// 钱包模型
//
// 每个 (用户, 链) 一个钱包。注册时优先从未分配的钱包池认领，
// 池空则用 walletCounters 原子递增的 HD 索引现场派生。
// 私钥 AES-256-GCM 加密落库，解密只发生在提现广播器内。

package wallet

import (
	"time"

	"github.com/google/uuid"

	"maplex.com/pkg/chain"
)

// Wallet 钱包表
type Wallet struct {
	ID             uuid.UUID   `gorm:"column:id;type:char(36);primaryKey"`
	UserID         *uuid.UUID  `gorm:"column:user_id;type:char(36);uniqueIndex:uk_wallet_user_chain"` // NULL = 池内未分配
	Chain          chain.Chain `gorm:"column:chain;type:varchar(16);uniqueIndex:uk_wallet_user_chain"`
	Address        string      `gorm:"column:address;type:varchar(128);uniqueIndex"`
	DerivationPath string      `gorm:"column:derivation_path;type:varchar(64)"`
	DestinationTag *uint32     `gorm:"column:destination_tag"` // XRP
	EncryptedKey   []byte      `gorm:"column:encrypted_key;type:varbinary(512)"`
	AddressIndex   int64       `gorm:"column:address_index"`
	CreatedAt      time.Time   `gorm:"column:created_at"`
	UpdatedAt      time.Time   `gorm:"column:updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// Counter 每条链的 HD 派生索引计数器
type Counter struct {
	Chain     chain.Chain `gorm:"column:chain;type:varchar(16);primaryKey"`
	NextIndex int64       `gorm:"column:next_index"`
	UpdatedAt time.Time   `gorm:"column:updated_at"`
}

func (Counter) TableName() string {
	return "wallet_counters"
}
