// 文件: pkg/ledger/replay.go
// 账本模块 - 审计回放
//
// 守恒校验: 任意 (user, asset, field) 上有符号流水之和 == 当前余额。
// 对账任务定期跑，偏差即报警。

package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"maplex.com/pkg/chain"
)

// ReplayField 回放某用户某资产某字段的流水和
func ReplayField(db *gorm.DB, userID uuid.UUID, asset chain.Asset, field Field) (decimal.Decimal, error) {
	var entries []Entry
	err := db.Where("user_id = ? AND asset = ? AND field = ?", userID, asset, field).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
		// balance_after 必须与累计值一致，不一致说明账本被绕过了
		if !sum.Equal(e.BalanceAfter) {
			return decimal.Zero, fmt.Errorf("ledger replay mismatch at entry %s: sum=%s balance_after=%s",
				e.EntryID, sum, e.BalanceAfter)
		}
	}
	return sum, nil
}

// Reconcile 校验某用户某资产三个字段全部守恒
func Reconcile(db *gorm.DB, userID uuid.UUID, asset chain.Asset) error {
	bal, err := GetBalance(db, userID, asset)
	if err != nil {
		return err
	}
	for _, f := range []Field{FieldAvailable, FieldLocked, FieldPendingDeposit} {
		sum, err := ReplayField(db, userID, asset, f)
		if err != nil {
			return err
		}
		if !sum.Equal(bal.Get(f)) {
			return fmt.Errorf("conservation violated: user=%s asset=%s field=%s ledger=%s balance=%s",
				userID, asset, f, sum, bal.Get(f))
		}
	}
	return nil
}
