// 文件: pkg/deposit/monitor_test.go
// 充值监控集成测试

package deposit

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/user"
	"maplex.com/pkg/wallet"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/maplex_test?charset=utf8mb4&parseTime=True&loc=Local"

// =============================================================================
// 假 BTC 客户端
// =============================================================================

type fakeUTXOClient struct {
	tip   int64
	txs   map[string][]chain.UTXOTx // 按地址
	confs map[string]int64          // 按交易哈希
}

func (f *fakeUTXOClient) TipHeight(_ context.Context) (int64, error) { return f.tip, nil }

func (f *fakeUTXOClient) AddressTxs(_ context.Context, address string) ([]chain.UTXOTx, error) {
	return f.txs[address], nil
}

func (f *fakeUTXOClient) TxConfirmations(_ context.Context, txHash string) (int64, error) {
	return f.confs[txHash], nil
}

func (f *fakeUTXOClient) ListUTXOs(context.Context, string) ([]chain.UTXO, error) { return nil, nil }
func (f *fakeUTXOClient) FeeRate(context.Context) (int64, error)                  { return 1, nil }
func (f *fakeUTXOClient) SendTransaction(context.Context, []byte, []chain.UTXO, map[string]int64) (string, error) {
	return "", fmt.Errorf("not implemented")
}

// =============================================================================
// 测试辅助
// =============================================================================

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&user.User{}, &ledger.Balance{}, &ledger.Entry{},
		&wallet.Wallet{}, &wallet.Counter{},
		&Deposit{}, &notify.Notification{},
	))
	return db
}

// testDeriver 测试派生器，地址带实例种子避免跨用例撞唯一键
type testDeriver struct{ seed string }

func (d testDeriver) Derive(c chain.Chain, index int64) (string, string, []byte, *uint32, error) {
	address := fmt.Sprintf("%s-%s-%d", d.seed, c, index)
	priv := bytes.Repeat([]byte{0x42}, 32)
	return address, fmt.Sprintf("m/44'/0'/0'/0/%d", index), priv, nil, nil
}

type fixture struct {
	db      *gorm.DB
	eng     *ledger.Engine
	monitor *Monitor
	btc     *fakeUTXOClient
	userID  uuid.UUID
	address string
}

func setupFixture(t *testing.T) *fixture {
	db := setupTestDB(t)
	ctx := context.Background()
	eng := ledger.NewEngine(nil, nil)

	users := user.NewRepository(db)
	u := &user.User{
		Email:     fmt.Sprintf("deposit-%s@test.local", uuid.New()),
		KYCStatus: user.KYCVerified,
	}
	require.NoError(t, users.Create(ctx, u))

	cipher, err := wallet.NewKeyCipher(bytes.Repeat([]byte("k"), wallet.KeySize))
	require.NoError(t, err)
	wallets := wallet.NewRepository(db, cipher, testDeriver{seed: uuid.NewString()[:8]})
	w, err := wallets.Assign(ctx, u.ID, chain.ChainBTC)
	require.NoError(t, err)

	btc := &fakeUTXOClient{
		tip:   100,
		txs:   map[string][]chain.UTXOTx{},
		confs: map[string]int64{},
	}
	monitor := NewMonitor(db, eng, wallets, &chain.Clients{BTC: btc}, notify.NewWriter(db))

	t.Cleanup(func() {
		db.Exec("DELETE FROM deposits WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM notifications WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM wallets WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM balances WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM balance_ledger WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM users WHERE id = ?", u.ID)
	})
	return &fixture{db: db, eng: eng, monitor: monitor, btc: btc, userID: u.ID, address: w.Address}
}

func (f *fixture) balance(t *testing.T) *ledger.Balance {
	bal, err := ledger.GetBalance(f.db, f.userID, chain.AssetBTC)
	require.NoError(t, err)
	return bal
}

// =============================================================================
// 探测 → 确认 → 入账
// =============================================================================

func TestDepositDetectThenCredit(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	txHash := fmt.Sprintf("btctx-%s", uuid.New())
	f.btc.txs[f.address] = []chain.UTXOTx{
		{TxHash: txHash, Amount: decimal.RequireFromString("0.01"), BlockHeight: 0},
	}

	// 1. 首次探测: pending 落库 + pendingDeposit 记账
	require.NoError(t, f.monitor.Scan(ctx))

	var dep Deposit
	require.NoError(t, f.db.Where("tx_hash = ?", txHash).First(&dep).Error)
	assert.Equal(t, StatusPending, dep.Status)
	assert.Equal(t, int64(2), dep.RequiredConfirmations)

	bal := f.balance(t)
	assert.True(t, bal.PendingDeposit.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, bal.Available.IsZero())

	// 2. 重扫同一笔: 唯一键挡住，余额不动
	require.NoError(t, f.monitor.Scan(ctx))
	var count int64
	f.db.Model(&Deposit{}).Where("tx_hash = ?", txHash).Count(&count)
	assert.Equal(t, int64(1), count)
	bal = f.balance(t)
	assert.True(t, bal.PendingDeposit.Equal(decimal.RequireFromString("0.01")))

	// 3. 确认数未达标: 只刷新计数
	f.btc.confs[txHash] = 1
	credited, err := f.monitor.UpdatePendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, credited)
	require.NoError(t, f.db.Where("tx_hash = ?", txHash).First(&dep).Error)
	assert.Equal(t, StatusPending, dep.Status)
	assert.Equal(t, int64(1), dep.Confirmations)

	// 4. 达到 2 确认: pendingDeposit → available
	f.btc.confs[txHash] = 2
	credited, err = f.monitor.UpdatePendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)

	require.NoError(t, f.db.Where("tx_hash = ?", txHash).First(&dep).Error)
	assert.Equal(t, StatusCredited, dep.Status)
	require.NotNil(t, dep.CreditedAt)

	bal = f.balance(t)
	assert.True(t, bal.PendingDeposit.IsZero())
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.01")))

	// 5. 入账幂等: 再跑一轮不重复入账
	credited, err = f.monitor.UpdatePendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, credited)
	bal = f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.01")))

	// 6. 探测与入账各一条通知
	var notes []notify.Notification
	require.NoError(t, f.db.Where("user_id = ?", f.userID).Order("created_at ASC").Find(&notes).Error)
	require.Len(t, notes, 2)
	assert.Equal(t, notify.KindDepositDetected, notes[0].Kind)
	assert.Equal(t, notify.KindDepositConfirmed, notes[1].Kind)
}

// =============================================================================
// 最小充值额过滤
// =============================================================================

func TestDepositBelowMinimumIgnored(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.btc.txs[f.address] = []chain.UTXOTx{
		{TxHash: fmt.Sprintf("dust-%s", uuid.New()), Amount: decimal.RequireFromString("0.00005"), BlockHeight: 90},
	}
	require.NoError(t, f.monitor.Scan(ctx))

	var count int64
	f.db.Model(&Deposit{}).Where("user_id = ?", f.userID).Count(&count)
	assert.Equal(t, int64(0), count)
}

// =============================================================================
// 过期清理
// =============================================================================

func TestSweepStaleReversesPending(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	txHash := fmt.Sprintf("stale-%s", uuid.New())
	f.btc.txs[f.address] = []chain.UTXOTx{
		{TxHash: txHash, Amount: decimal.RequireFromString("0.02"), BlockHeight: 0},
	}
	require.NoError(t, f.monitor.Scan(ctx))

	// 回拨创建时间到 72h 之前
	require.NoError(t, f.db.Model(&Deposit{}).
		Where("tx_hash = ?", txHash).
		Update("created_at", time.Now().Add(-80*time.Hour)).Error)

	expired, err := f.monitor.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	var dep Deposit
	require.NoError(t, f.db.Where("tx_hash = ?", txHash).First(&dep).Error)
	assert.Equal(t, StatusExpired, dep.Status)

	// pendingDeposit 冲销归零
	bal := f.balance(t)
	assert.True(t, bal.PendingDeposit.IsZero())
	assert.True(t, bal.Available.IsZero())

	// 再跑一轮: 已出 pending 集合，不重复处理
	expired, err = f.monitor.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}
