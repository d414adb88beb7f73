// 文件: pkg/withdrawal/service_test.go
// 提现提交、审批与广播集成测试

package withdrawal

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
	"maplex.com/pkg/price"
	"maplex.com/pkg/user"
	"maplex.com/pkg/wallet"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/maplex_test?charset=utf8mb4&parseTime=True&loc=Local"

// =============================================================================
// 假 ETH 客户端
// =============================================================================

type fakeETHClient struct {
	failSend bool
	confs    map[string]int64
	sent     []string
}

func (f *fakeETHClient) SendETH(_ context.Context, _ []byte, to string, _ decimal.Decimal) (string, error) {
	if f.failSend {
		return "", fmt.Errorf("rpc: nonce too low")
	}
	hash := fmt.Sprintf("ethtx-%s", uuid.New())
	f.sent = append(f.sent, to)
	return hash, nil
}

func (f *fakeETHClient) SendERC20(ctx context.Context, privKey []byte, _ string, to string, amount decimal.Decimal) (string, error) {
	return f.SendETH(ctx, privKey, to, amount)
}

func (f *fakeETHClient) TxConfirmations(_ context.Context, txHash string) (int64, error) {
	return f.confs[txHash], nil
}

func (f *fakeETHClient) BlockNumber(context.Context) (int64, error) { return 0, nil }
func (f *fakeETHClient) BlockTxs(context.Context, int64) ([]chain.ETHTx, error) {
	return nil, nil
}
func (f *fakeETHClient) TransferLogs(context.Context, string, int64, int64) ([]chain.TransferLog, error) {
	return nil, nil
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
		&Withdrawal{}, &Address{}, &notify.Notification{},
	))
	return db
}

type testDeriver struct{ seed string }

func (d testDeriver) Derive(c chain.Chain, index int64) (string, string, []byte, *uint32, error) {
	address := fmt.Sprintf("%s-%s-%d", d.seed, c, index)
	return address, fmt.Sprintf("m/44'/0'/0'/0/%d", index), bytes.Repeat([]byte{0x42}, 32), nil, nil
}

type fixture struct {
	db      *gorm.DB
	eng     *ledger.Engine
	wallets *wallet.Repository
	svc     *Service
	eth     *fakeETHClient
	userID  uuid.UUID
	address string // 地址簿内已过冷却的提现地址
}

func testConfig() Config {
	return Config{
		AutoApproveCadLimit: decimal.NewFromInt(1000),
		DailyLimitCad:       decimal.NewFromInt(10000),
		MonthlyLimitCad:     decimal.NewFromInt(100000),
		WithdrawalCooldown:  10 * time.Minute,
		AddressCooldown:     24 * time.Hour,
		PasswordCooldown:    24 * time.Hour,
	}
}

func setupFixture(t *testing.T, cfg Config) *fixture {
	db := setupTestDB(t)
	ctx := context.Background()
	eng := ledger.NewEngine(nil, nil)

	users := user.NewRepository(db)
	u := &user.User{
		Email:     fmt.Sprintf("wd-%s@test.local", uuid.New()),
		KYCStatus: user.KYCVerified,
	}
	require.NoError(t, users.Create(ctx, u))

	cipher, err := wallet.NewKeyCipher(bytes.Repeat([]byte("k"), wallet.KeySize))
	require.NoError(t, err)
	wallets := wallet.NewRepository(db, cipher, testDeriver{seed: uuid.NewString()[:8]})
	_, err = wallets.Assign(ctx, u.ID, chain.ChainETH)
	require.NoError(t, err)

	// 充 1 ETH
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return eng.Mutate(tx, ledger.Mutation{
			UserID:         u.ID,
			Asset:          chain.AssetETH,
			Field:          ledger.FieldAvailable,
			Amount:         decimal.NewFromInt(1),
			EntryType:      ledger.EntryAdminAdjustment,
			IdempotencyKey: fmt.Sprintf("test-fund:%s", uuid.New()),
		})
	}))

	oracle := price.NewStaticOracle(map[chain.Asset]decimal.Decimal{
		chain.AssetETH: decimal.NewFromInt(3000),
	})
	svc := NewService(db, eng, oracle, notify.NewWriter(db), cfg)

	// 地址簿: 一个已过 24h 冷却的地址
	dest := fmt.Sprintf("0xdest%s", uuid.NewString()[:12])
	_, err = svc.AddAddress(ctx, u.ID, chain.ChainETH, dest, "cold storage", nil)
	require.NoError(t, err)
	require.NoError(t, db.Model(&Address{}).
		Where("user_id = ? AND address = ?", u.ID, dest).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	eth := &fakeETHClient{confs: map[string]int64{}}

	t.Cleanup(func() {
		db.Exec("DELETE FROM withdrawals WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM withdrawal_addresses WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM notifications WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM wallets WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM balances WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM balance_ledger WHERE user_id = ?", u.ID)
		db.Exec("DELETE FROM users WHERE id = ?", u.ID)
	})
	return &fixture{db: db, eng: eng, wallets: wallets, svc: svc, eth: eth, userID: u.ID, address: dest}
}

func (f *fixture) broadcaster() *Broadcaster {
	return NewBroadcaster(f.db, f.eng, f.wallets,
		&chain.Clients{ETH: f.eth}, notify.NewWriter(f.db), nil)
}

func (f *fixture) balance(t *testing.T) *ledger.Balance {
	bal, err := ledger.GetBalance(f.db, f.userID, chain.AssetETH)
	require.NoError(t, err)
	return bal
}

func (f *fixture) submit(t *testing.T, amount string) *Withdrawal {
	w, err := f.svc.Submit(context.Background(), &SubmitRequest{
		UserID:  f.userID,
		Asset:   chain.AssetETH,
		Address: f.address,
		Amount:  decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return w
}

// =============================================================================
// 提交
// =============================================================================

func TestSubmitAutoApproveAndDebit(t *testing.T) {
	f := setupFixture(t, testConfig())

	// 0.1 ETH × 3000 = 300 CAD < 1000: 自动批准
	w := f.submit(t, "0.1")
	assert.Equal(t, StatusApproved, w.Status)
	assert.True(t, w.Fee.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, w.NetAmount.Equal(decimal.RequireFromString("0.099")))
	assert.True(t, w.CadValue.Equal(decimal.NewFromInt(300)))

	// 提交即扣款
	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.9")), "got %s", bal.Available)

	var entry ledger.Entry
	require.NoError(t, f.db.
		Where("idempotency_key = ?", fmt.Sprintf("withdrawal_debit:%s", w.ID)).
		First(&entry).Error)
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("-0.1")))
}

func TestSubmitAboveAutoApproveGoesToReview(t *testing.T) {
	f := setupFixture(t, testConfig())

	// 0.5 ETH × 3000 = 1500 CAD > 1000
	w := f.submit(t, "0.5")
	assert.Equal(t, StatusPendingReview, w.Status)
}

func TestSubmitGuards(t *testing.T) {
	f := setupFixture(t, testConfig())
	ctx := context.Background()

	// 1. 金额盖不住网络费
	_, err := f.svc.Submit(ctx, &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: f.address, Amount: decimal.RequireFromString("0.0005"),
	})
	assert.ErrorIs(t, err, ErrAmountBelowFee)

	// 2. 不在地址簿
	_, err = f.svc.Submit(ctx, &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: "0xnever-saved", Amount: decimal.RequireFromString("0.1"),
	})
	assert.ErrorIs(t, err, ErrAddressUnknown)

	// 3. 新地址 24h 冷却
	fresh := fmt.Sprintf("0xfresh%s", uuid.NewString()[:12])
	_, err = f.svc.AddAddress(ctx, f.userID, chain.ChainETH, fresh, "", nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: fresh, Amount: decimal.RequireFromString("0.1"),
	})
	assert.ErrorIs(t, err, ErrAddressCooldown)

	// 4. 改密后冷却
	require.NoError(t, f.db.Model(&user.User{}).
		Where("id = ?", f.userID).
		Update("password_changed_at", time.Now()).Error)
	_, err = f.svc.Submit(ctx, &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: f.address, Amount: decimal.RequireFromString("0.1"),
	})
	assert.ErrorIs(t, err, ErrPasswordCooldown)
	require.NoError(t, f.db.Model(&user.User{}).
		Where("id = ?", f.userID).
		Update("password_changed_at", nil).Error)

	// 5. 两笔提现最小间隔
	f.submit(t, "0.1")
	_, err = f.svc.Submit(ctx, &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: f.address, Amount: decimal.RequireFromString("0.1"),
	})
	assert.ErrorIs(t, err, ErrWithdrawalCooldown)

	// 被拒的提交不残留扣款: 只有第 5 步的成功提交动了余额
	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.9")))
}

func TestSubmitDailyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimitCad = decimal.NewFromInt(500)
	cfg.WithdrawalCooldown = 0
	f := setupFixture(t, cfg)

	// 第一笔 300 CAD 过，第二笔把当日累计推到 600 > 500
	f.submit(t, "0.1")
	_, err := f.svc.Submit(context.Background(), &SubmitRequest{
		UserID: f.userID, Asset: chain.AssetETH,
		Address: f.address, Amount: decimal.RequireFromString("0.1"),
	})
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
}

// =============================================================================
// 取消 / 审批
// =============================================================================

func TestCancelRefundsPendingReview(t *testing.T) {
	f := setupFixture(t, testConfig())
	ctx := context.Background()

	w := f.submit(t, "0.5") // pending_review
	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.5")))

	require.NoError(t, f.svc.Cancel(ctx, w.ID, f.userID))

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// 全额退回
	bal = f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(1)))

	// 终态不可再取消
	assert.ErrorIs(t, f.svc.Cancel(ctx, w.ID, f.userID), ErrNotCancellable)
}

func TestApproveAndReject(t *testing.T) {
	cfg := testConfig()
	cfg.WithdrawalCooldown = 0
	f := setupFixture(t, cfg)
	ctx := context.Background()

	first := f.submit(t, "0.5")
	require.NoError(t, f.svc.Approve(ctx, first.ID))
	got, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.ErrorIs(t, f.svc.Approve(ctx, first.ID), ErrNotReviewable)

	// 驳回: failed + 退款 + 通知
	second := f.submit(t, "0.4")
	require.NoError(t, f.svc.Reject(ctx, second.ID, "name mismatch"))
	got, err = f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "name mismatch", got.FailureReason)

	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.5")), "got %s", bal.Available)
}

// =============================================================================
// 广播: 签名失败退款
// =============================================================================

func TestBroadcastRefundOnSignFailure(t *testing.T) {
	f := setupFixture(t, testConfig())
	ctx := context.Background()

	w := f.submit(t, "0.1") // 自动批准
	require.Equal(t, StatusApproved, w.Status)

	f.eth.failSend = true
	sent, err := f.broadcaster().BroadcastApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// 失败 + 原因 + 全额退款
	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "nonce too low")

	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(1)), "got %s", bal.Available)

	// 账本: 扣款与退款各一条
	for _, key := range []string{
		fmt.Sprintf("withdrawal_debit:%s", w.ID),
		fmt.Sprintf("withdrawal_refund:%s", w.ID),
	} {
		var count int64
		f.db.Model(&ledger.Entry{}).Where("idempotency_key = ?", key).Count(&count)
		assert.Equal(t, int64(1), count, "key %s", key)
	}

	// 失败通知
	var notes []notify.Notification
	require.NoError(t, f.db.
		Where("user_id = ? AND kind = ?", f.userID, notify.KindWithdrawalFailed).
		Find(&notes).Error)
	assert.Len(t, notes, 1)
}

// =============================================================================
// 广播: 成功 → 确认
// =============================================================================

func TestBroadcastAndConfirm(t *testing.T) {
	f := setupFixture(t, testConfig())
	ctx := context.Background()

	w := f.submit(t, "0.1")
	b := f.broadcaster()

	sent, err := b.BroadcastApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{f.address}, f.eth.sent)

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcasting, got.Status)
	assert.NotEmpty(t, got.TxHash)
	require.NotNil(t, got.BroadcastAt)

	// 已广播的不退款，余额保持扣减后
	bal := f.balance(t)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.9")))

	// 确认数未达标: 不动
	f.eth.confs[got.TxHash] = 3
	confirmed, err := b.PollConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, confirmed)

	// ETH 需要 12 确认
	f.eth.confs[got.TxHash] = 12
	confirmed, err = b.PollConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, confirmed)

	got, err = f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)

	// 重复轮询幂等
	confirmed, err = b.PollConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, confirmed)
}
