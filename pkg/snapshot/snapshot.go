// 文件: pkg/snapshot/snapshot.go
// 组合快照
//
// 每小时为所有持仓非零的用户落一条组合估值快照 (CAD)，
// 三个余额字段全部计入。报价缺失的资产跳过并记日志，
// 快照行照常写入 (估值偏低好过整轮失败)。

package snapshot

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/price"
)

// =============================================================================
// 模型
// =============================================================================

// Snapshot 一个用户在某时刻的组合估值
type Snapshot struct {
	ID        uuid.UUID       `gorm:"column:id;type:char(36);primaryKey"`
	UserID    uuid.UUID       `gorm:"column:user_id;type:char(36);index:idx_snapshot_user"`
	TotalCad  decimal.Decimal `gorm:"column:total_cad;type:decimal(20,2)"`
	Breakdown string          `gorm:"column:breakdown;type:text"` // JSON: asset → {amount, cad}
	CreatedAt time.Time       `gorm:"column:created_at;index:idx_snapshot_user"`
}

func (Snapshot) TableName() string {
	return "portfolio_snapshots"
}

// assetSlice 单资产估值明细
type assetSlice struct {
	Amount decimal.Decimal `json:"amount"`
	Cad    decimal.Decimal `json:"cad"`
}

// =============================================================================
// Capturer
// =============================================================================

// Capturer 快照采集器
type Capturer struct {
	db     *gorm.DB
	oracle price.Oracle
}

// NewCapturer 创建采集器
func NewCapturer(db *gorm.DB, oracle price.Oracle) *Capturer {
	return &Capturer{db: db, oracle: oracle}
}

// CaptureAll 为持仓非零的用户各写一条快照，返回写入条数
func (c *Capturer) CaptureAll(ctx context.Context) (int, error) {
	// 有任一非零字段的余额行，按用户聚合
	var balances []ledger.Balance
	err := c.db.WithContext(ctx).
		Where("available <> 0 OR locked <> 0 OR pending_deposit <> 0").
		Order("user_id").
		Find(&balances).Error
	if err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, nil
	}

	// 报价一次取齐
	prices := make(map[chain.Asset]decimal.Decimal, len(chain.AllAssets))
	for _, a := range chain.AllAssets {
		p, err := c.oracle.Price(ctx, a)
		if err != nil {
			log.Printf("[Snapshot] price %s: %v", a, err)
			continue
		}
		prices[a] = p
	}

	byUser := make(map[uuid.UUID][]ledger.Balance)
	for _, b := range balances {
		byUser[b.UserID] = append(byUser[b.UserID], b)
	}

	written := 0
	now := time.Now()
	for userID, rows := range byUser {
		total := decimal.Zero
		breakdown := make(map[chain.Asset]assetSlice, len(rows))
		for _, b := range rows {
			amount := b.Available.Add(b.Locked).Add(b.PendingDeposit)
			if amount.IsZero() {
				continue
			}
			p, ok := prices[b.Asset]
			if !ok {
				continue
			}
			cad := amount.Mul(p).Round(2)
			total = total.Add(cad)
			breakdown[b.Asset] = assetSlice{Amount: amount, Cad: cad}
		}

		data, err := json.Marshal(breakdown)
		if err != nil {
			log.Printf("[Snapshot] marshal breakdown for %s: %v", userID, err)
			continue
		}
		snap := &Snapshot{
			ID:        uuid.New(),
			UserID:    userID,
			TotalCad:  total,
			Breakdown: string(data),
			CreatedAt: now,
		}
		if err := c.db.WithContext(ctx).Create(snap).Error; err != nil {
			log.Printf("[Snapshot] write for %s: %v", userID, err)
			continue
		}
		written++
	}
	return written, nil
}

// History 用户的快照历史 (新到旧)
func (c *Capturer) History(ctx context.Context, userID uuid.UUID, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 168 // 默认一周
	}
	var snaps []Snapshot
	err := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&snaps).Error
	return snaps, err
}
