// 文件: pkg/ledger/engine_test.go
// 账本引擎集成测试

package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"maplex.com/pkg/chain"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/maplex_test?charset=utf8mb4&parseTime=True&loc=Local"

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Balance{}, &Entry{}))
	return db
}

func newTestUser(t *testing.T, db *gorm.DB) uuid.UUID {
	userID := uuid.New()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return InitBalances(tx, userID)
	}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM balances WHERE user_id = ?", userID)
		db.Exec("DELETE FROM balance_ledger WHERE user_id = ?", userID)
	})
	return userID
}

func credit(t *testing.T, db *gorm.DB, eng *Engine, userID uuid.UUID, asset chain.Asset, amount, key string) {
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          asset,
			Field:          FieldAvailable,
			Amount:         decimal.RequireFromString(amount),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: key,
		})
	}))
}

// =============================================================================
// 基本变更
// =============================================================================

func TestMutateCreditAndDebit(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)
	userID := newTestUser(t, db)

	// 1. 贷记 1 BTC
	credit(t, db, eng, userID, chain.AssetBTC, "1", fmt.Sprintf("test:%s:credit", userID))

	bal, err := GetBalance(db, userID, chain.AssetBTC)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(1)))

	// 2. 借记 0.4 BTC
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.RequireFromString("-0.4"),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test:%s:debit", userID),
		})
	}))

	bal, err = GetBalance(db, userID, chain.AssetBTC)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.6")))

	// 3. 账本记录携带变动后余额
	var entries []Entry
	require.NoError(t, db.Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.NewFromInt(1)))
	assert.True(t, entries[1].BalanceAfter.Equal(decimal.RequireFromString("0.6")))
}

func TestMutateIdempotentReplay(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)
	userID := newTestUser(t, db)

	key := fmt.Sprintf("test:%s:replay", userID)

	// 同一幂等键执行三次，余额只动一次
	for i := 0; i < 3; i++ {
		credit(t, db, eng, userID, chain.AssetETH, "2.5", key)
	}

	bal, err := GetBalance(db, userID, chain.AssetETH)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("2.5")))

	var count int64
	db.Model(&Entry{}).Where("idempotency_key = ?", key).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestMutateInsufficientFunds(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)
	userID := newTestUser(t, db)

	err := db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.RequireFromString("-0.01"),
			EntryType:      EntryWithdrawalRequested,
			IdempotencyKey: fmt.Sprintf("test:%s:overdraw", userID),
		})
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// 失败回滚: 无账本记录
	var count int64
	db.Model(&Entry{}).Where("user_id = ?", userID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestMutateMissingBalanceRow(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         uuid.New(), // 未初始化
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(1),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: "test:missing-row",
		})
	})
	assert.ErrorIs(t, err, ErrNoBalanceRow)
}

// =============================================================================
// 负余额守卫
// =============================================================================

func TestAllowNegativeReservedForPlatform(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)
	userID := newTestUser(t, db)

	// 普通用户带 AllowNegative 直接拒绝
	err := db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(-1),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test:%s:neg", userID),
			AllowNegative:  true,
		})
	})
	assert.ErrorIs(t, err, ErrNegativeNotAllowed)
}

func TestPlatformMayGoNegative(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return InitBalances(tx, PlatformUserID)
	}))
	key := fmt.Sprintf("test:platform:%s", uuid.New())
	t.Cleanup(func() {
		db.Exec("DELETE FROM balance_ledger WHERE idempotency_key = ?", key)
	})

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         PlatformUserID,
			Asset:          chain.AssetLTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(-5),
			EntryType:      EntryTradeEscrowLock,
			IdempotencyKey: key,
			AllowNegative:  true,
		})
	}))

	bal, err := GetBalance(db, PlatformUserID, chain.AssetLTC)
	require.NoError(t, err)
	assert.True(t, bal.Available.IsNegative())

	// 回冲，别污染其他测试
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, Mutation{
			UserID:         PlatformUserID,
			Asset:          chain.AssetLTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(5),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: key + ":restore",
		})
	}))
}

// =============================================================================
// 校验
// =============================================================================

func TestMutateValidation(t *testing.T) {
	eng := NewEngine(nil, nil)
	userID := uuid.New()
	tradeID := uuid.New()
	depositID := uuid.New()

	cases := []struct {
		name string
		m    Mutation
	}{
		{"bad field", Mutation{UserID: userID, Asset: chain.AssetBTC, Field: "frozen", Amount: decimal.NewFromInt(1), IdempotencyKey: "k"}},
		{"bad asset", Mutation{UserID: userID, Asset: "DOGE", Field: FieldAvailable, Amount: decimal.NewFromInt(1), IdempotencyKey: "k"}},
		{"empty key", Mutation{UserID: userID, Asset: chain.AssetBTC, Field: FieldAvailable, Amount: decimal.NewFromInt(1)}},
		{"zero amount", Mutation{UserID: userID, Asset: chain.AssetBTC, Field: FieldAvailable, Amount: decimal.Zero, IdempotencyKey: "k"}},
		{"two refs", Mutation{UserID: userID, Asset: chain.AssetBTC, Field: FieldAvailable, Amount: decimal.NewFromInt(1), IdempotencyKey: "k", TradeID: &tradeID, DepositID: &depositID}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.ErrorIs(t, eng.validate(c.m), ErrInvalidMutation)
		})
	}
}

// =============================================================================
// 流水导出
// =============================================================================

type captureJournal struct {
	events []*JournalEvent
}

func (c *captureJournal) PublishJournal(event *JournalEvent) error {
	c.events = append(c.events, event)
	return nil
}

func TestJournalExportFollowsCommit(t *testing.T) {
	db := setupTestDB(t)
	pub := &captureJournal{}
	var seq int64
	eng := NewEngine(pub, func() int64 { seq++; return seq })
	userID := newTestUser(t, db)

	// 1. 回滚的事务一条事件都不发布，账本也不落行
	boom := errors.New("boom")
	err := eng.Transaction(db, func(tx *gorm.DB) error {
		if err := eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(1),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test:%s:rollback", userID),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.events)

	var count int64
	db.Model(&Entry{}).Where("user_id = ?", userID).Count(&count)
	assert.Equal(t, int64(0), count)

	// 2. 提交成功后按写入序发布，序列号在发布时分配
	err = eng.Transaction(db, func(tx *gorm.DB) error {
		if err := eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(2),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test:%s:c1", userID),
		}); err != nil {
			return err
		}
		return eng.Mutate(tx, Mutation{
			UserID:         userID,
			Asset:          chain.AssetBTC,
			Field:          FieldAvailable,
			Amount:         decimal.NewFromInt(-1),
			EntryType:      EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test:%s:c2", userID),
		})
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 2)
	assert.Equal(t, int64(1), pub.events[0].Seq)
	assert.Equal(t, int64(2), pub.events[1].Seq)
	assert.Equal(t, fmt.Sprintf("test:%s:c1", userID), pub.events[0].IdempotencyKey)
	assert.True(t, pub.events[1].BalanceAfter.Equal(decimal.NewFromInt(1)))
}

// =============================================================================
// 审计回放
// =============================================================================

func TestReplayAndReconcile(t *testing.T) {
	db := setupTestDB(t)
	eng := NewEngine(nil, nil)
	userID := newTestUser(t, db)

	credit(t, db, eng, userID, chain.AssetSOL, "10", fmt.Sprintf("test:%s:r1", userID))
	credit(t, db, eng, userID, chain.AssetSOL, "-3", fmt.Sprintf("test:%s:r2", userID))
	credit(t, db, eng, userID, chain.AssetSOL, "0.5", fmt.Sprintf("test:%s:r3", userID))

	sum, err := ReplayField(db, userID, chain.AssetSOL, FieldAvailable)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("7.5")))

	assert.NoError(t, Reconcile(db, userID, chain.AssetSOL))
}
