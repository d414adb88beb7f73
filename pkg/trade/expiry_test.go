// 文件: pkg/trade/expiry_test.go
// 超时驱动集成测试

package trade

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maplex.com/pkg/ledger"
)

// backdate 回拨交易行的时间列，制造已超时的状态
func (f *fixture) backdate(t *testing.T, tradeID uuid.UUID, column string, to any) {
	require.NoError(t, f.db.Model(&Trade{}).
		Where("id = ?", tradeID).
		Update(column, to).Error)
}

// =============================================================================
// 付款窗口超时: escrow_funded → expired
// =============================================================================

func TestProcessExpiredPaymentWindow(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.fund(t, f.seller.ID, "BTC", "0.02")
	tr := f.newEscrowedTrade(t)

	f.backdate(t, tr.ID, "expires_at", time.Now().Add(-time.Minute))

	n, err := f.machine.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := f.machine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// 托管原路退回
	bal := f.balance(t, f.seller.ID)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, bal.Locked.IsZero())
}

// =============================================================================
// 确认窗口超时: payment_sent → disputed (代买家自动开争议)
// =============================================================================

func TestProcessExpiredAutoDispute(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.fund(t, f.seller.ID, "BTC", "0.02")
	tr := f.newEscrowedTrade(t)

	_, err := f.machine.Transition(ctx, tr.ID, StatusPaymentSent, UserActor(f.buyer.ID), nil)
	require.NoError(t, err)
	f.backdate(t, tr.ID, "expires_at", time.Now().Add(-time.Minute))
	t.Cleanup(func() {
		f.db.Exec("DELETE FROM disputes WHERE trade_id = ?", tr.ID)
		f.db.Exec("DELETE FROM compliance_logs WHERE trade_id = ?", tr.ID)
	})

	n, err := f.machine.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := f.machine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)

	// 争议记在买家名下，托管保持锁定
	var d Dispute
	require.NoError(t, f.db.Where("trade_id = ?", tr.ID).First(&d).Error)
	assert.Equal(t, f.buyer.ID, d.OpenedBy)
	assert.Equal(t, DisputeOpen, d.Status)

	var strCount int64
	f.db.Model(&ComplianceLog{}).Where("trade_id = ? AND type = ?", tr.ID, ComplianceSTR).Count(&strCount)
	assert.Equal(t, int64(1), strCount)

	bal := f.balance(t, f.seller.ID)
	assert.True(t, bal.Locked.Equal(decimal.RequireFromString("0.02")))
}

// =============================================================================
// 持有期放行: payment_confirmed → crypto_released → completed
// =============================================================================

func TestProcessExpiredReleasesHeldTrade(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.fund(t, f.seller.ID, "BTC", "0.02")
	tr := f.newEscrowedTrade(t)

	_, err := f.machine.Transition(ctx, tr.ID, StatusPaymentSent, UserActor(f.buyer.ID), nil)
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, tr.ID, StatusPaymentConfirmed, UserActor(f.seller.ID), nil)
	require.NoError(t, err)

	f.backdate(t, tr.ID, "holding_until", time.Now().Add(-time.Minute))

	n, err := f.machine.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := f.machine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// 结算完整: 买家拿净额，卖家无残留
	buyerBal, err := ledger.GetBalance(f.db, f.buyer.ID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyerBal.Available.Equal(decimal.RequireFromString("0.0198")), "got %s", buyerBal.Available)
	sellerBal := f.balance(t, f.seller.ID)
	assert.True(t, sellerBal.Locked.IsZero())
}

func TestProcessExpiredNullHoldingReleases(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.fund(t, f.seller.ID, "BTC", "0.02")
	tr := f.newEscrowedTrade(t)

	_, err := f.machine.Transition(ctx, tr.ID, StatusPaymentSent, UserActor(f.buyer.ID), nil)
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, tr.ID, StatusPaymentConfirmed, UserActor(f.seller.ID), nil)
	require.NoError(t, err)

	// 历史行安全网: holding_until 为 NULL 视为立即可放行
	f.backdate(t, tr.ID, "holding_until", nil)

	_, err = f.machine.ProcessExpired(ctx)
	require.NoError(t, err)

	got, err := f.machine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

// =============================================================================
// 崩溃恢复: 卡在 crypto_released 的交易补完结算
// =============================================================================

func TestProcessExpiredCompletesStuckRelease(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.fund(t, f.seller.ID, "BTC", "0.02")
	tr := f.newEscrowedTrade(t)

	_, err := f.machine.Transition(ctx, tr.ID, StatusPaymentSent, UserActor(f.buyer.ID), nil)
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, tr.ID, StatusPaymentConfirmed, UserActor(f.seller.ID), nil)
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, tr.ID, StatusCryptoReleased, SystemActor, nil)
	require.NoError(t, err)

	n, err := f.machine.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := f.machine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	buyerBal, err := ledger.GetBalance(f.db, f.buyer.ID, "BTC")
	require.NoError(t, err)
	assert.True(t, buyerBal.Available.Equal(decimal.RequireFromString("0.0198")))
}
