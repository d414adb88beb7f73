// 文件: pkg/trade/machine.go
// 交易状态机
//
// 【契约】
// 1. 开事务，锁交易行
// 2. 操作者鉴权 (system/admin 直通；普通用户按角色限定可驱动的迁移)
// 3. 按迁移表校验
// 4. 余额副作用全部经 ledger.Engine.Mutate，幂等键由 tradeId + 步骤确定
// 5. 更新交易行 (状态、时间戳、expires_at / holding_until)
// 6. completed ≥ 10000 CAD 写 LVCTR；disputed 写 STR + 争议行 (同事务)
// 7. 提交后向总线发布 trade_status_changed

package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/ledger"
	"maplex.com/pkg/notify"
	"maplex.com/pkg/pubsub"
	"maplex.com/pkg/stream"
	"maplex.com/pkg/user"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid trade transition")
	ErrPermissionDenied  = errors.New("actor not allowed to drive this transition")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
)

// =============================================================================
// 操作者
// =============================================================================

// Actor 迁移的发起方
type Actor struct {
	UserID uuid.UUID
	Admin  bool
	System bool
}

// SystemActor 定时任务/内部流程
var SystemActor = Actor{System: true}

// AdminActor 管理端
func AdminActor(adminID uuid.UUID) Actor {
	return Actor{UserID: adminID, Admin: true}
}

// UserActor 普通用户
func UserActor(userID uuid.UUID) Actor {
	return Actor{UserID: userID}
}

// =============================================================================
// 迁移附加参数
// =============================================================================

// Extra 迁移附加参数
type Extra struct {
	DisputeReason   string
	DisputeOpenedBy uuid.UUID  // 为空取 actor (worker 自动争议时填 buyer)
	Resolution      string     // resolved_* 时的处理说明
	HoldingOverride *time.Time // 平台卖单验证窗口覆盖 holding_until
}

// =============================================================================
// 配置
// =============================================================================

// Config 状态机配置
type Config struct {
	PaymentWindow  time.Duration   // escrow_funded 的付款窗口
	ConfirmWindow  time.Duration   // payment_sent 的确认窗口
	NewUserHolding time.Duration   // 买家成交数 < 3 时的持有期
	PlatformVerify time.Duration   // 平台卖单 e-Transfer 验证窗口
	LVCTRThreshold decimal.Decimal // 大额报告阈值 (CAD)
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PaymentWindow:  30 * time.Minute,
		ConfirmWindow:  60 * time.Minute,
		NewUserHolding: 24 * time.Hour,
		PlatformVerify: 30 * time.Minute,
		LVCTRThreshold: decimal.NewFromInt(10000),
	}
}

// newUserHoldingTradeCount 低于该成交数的买家适用持有期
const newUserHoldingTradeCount = 3

// =============================================================================
// Machine - 状态机
// =============================================================================

// Machine 交易状态机
type Machine struct {
	db     *gorm.DB
	ledger *ledger.Engine
	users  *user.Repository
	bus    *pubsub.Bus    // 可为 nil (测试)
	notify *notify.Writer // 可为 nil (测试)
	cfg    Config
}

// NewMachine 创建状态机
func NewMachine(db *gorm.DB, eng *ledger.Engine, users *user.Repository, bus *pubsub.Bus, notifier *notify.Writer, cfg Config) *Machine {
	return &Machine{db: db, ledger: eng, users: users, bus: bus, notify: notifier, cfg: cfg}
}

// Config 当前配置
func (m *Machine) Config() Config {
	return m.cfg
}

// Get 查询交易
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*Trade, error) {
	var t Trade
	err := m.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// Transition - 对外入口
// =============================================================================

// Transition 驱动一次状态迁移 (自带事务)
// 返回迁移后的交易快照。
func (m *Machine) Transition(ctx context.Context, tradeID uuid.UUID, to Status, actor Actor, extra *Extra) (*Trade, error) {
	var t Trade
	var old Status

	err := m.ledger.Transaction(m.db.WithContext(ctx), func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", tradeID).
			First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTradeNotFound
		}
		if err != nil {
			return err
		}
		old = t.Status
		return m.ApplyTransition(tx, &t, to, actor, extra)
	})
	if err != nil {
		return nil, err
	}

	m.publishStatusChanged(ctx, &t, old)
	return &t, nil
}

// publishStatusChanged 提交后发布事件并通知双方 (best-effort)
func (m *Machine) publishStatusChanged(ctx context.Context, t *Trade, old Status) {
	if m.bus != nil {
		m.bus.PublishTrade(ctx, &pubsub.TradeEvent{
			Type:      pubsub.EventTradeStatusChanged,
			TradeID:   t.ID.String(),
			BuyerID:   t.BuyerID.String(),
			SellerID:  t.SellerID.String(),
			OldStatus: string(old),
			NewStatus: string(t.Status),
		})
	}
	if m.notify != nil {
		title := fmt.Sprintf("Trade %s", t.Status)
		body := fmt.Sprintf("trade %s: %s -> %s", t.ID, old, t.Status)
		if t.BuyerID != ledger.PlatformUserID {
			m.notify.Write(ctx, t.BuyerID, notify.KindTradeUpdate, title, body)
		}
		if t.SellerID != ledger.PlatformUserID {
			m.notify.Write(ctx, t.SellerID, notify.KindTradeUpdate, title, body)
		}
	}
}

// =============================================================================
// ApplyTransition - 事务内迁移 (订单管道复用)
// =============================================================================

// ApplyTransition 在调用方事务内执行迁移
// 调用方必须已对交易行持有行锁。提交后的事件发布由调用方负责。
func (m *Machine) ApplyTransition(tx *gorm.DB, t *Trade, to Status, actor Actor, extra *Extra) error {
	if err := m.authorize(t, to, actor); err != nil {
		return err
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	now := time.Now()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}

	switch to {
	case StatusEscrowFunded:
		if err := m.lockEscrow(tx, t); err != nil {
			return err
		}
		expires := now.Add(m.cfg.PaymentWindow)
		t.ExpiresAt = &expires
		t.EscrowFundedAt = &now
		updates["expires_at"] = expires
		updates["escrow_funded_at"] = now

	case StatusPaymentSent:
		expires := now.Add(m.cfg.ConfirmWindow)
		t.ExpiresAt = &expires
		t.PaymentSentAt = &now
		updates["expires_at"] = expires
		updates["payment_sent_at"] = now

	case StatusPaymentConfirmed:
		holding, err := m.holdingUntil(tx, t, now, extra)
		if err != nil {
			return err
		}
		t.HoldingUntil = &holding
		t.PaymentConfirmedAt = &now
		updates["holding_until"] = holding
		updates["payment_confirmed_at"] = now

	case StatusCryptoReleased:
		// 纯触发，无余额变动
		t.CryptoReleasedAt = &now
		updates["crypto_released_at"] = now

	case StatusCompleted:
		if err := m.settle(tx, t, true); err != nil {
			return err
		}
		if err := m.writeLVCTR(tx, t); err != nil {
			return err
		}
		t.CompletedAt = &now
		updates["completed_at"] = now

	case StatusExpired, StatusCancelled:
		if t.Status.holdsEscrow() {
			if err := m.returnEscrow(tx, t); err != nil {
				return err
			}
		}

	case StatusDisputed:
		if err := m.openDispute(tx, t, actor, extra); err != nil {
			return err
		}

	case StatusResolvedBuyer:
		if err := m.settle(tx, t, false); err != nil {
			return err
		}
		if err := m.resolveDispute(tx, t, extra); err != nil {
			return err
		}

	case StatusResolvedSeller:
		if err := m.returnEscrow(tx, t); err != nil {
			return err
		}
		if err := m.resolveDispute(tx, t, extra); err != nil {
			return err
		}
	}

	if err := tx.Model(&Trade{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update trade row: %w", err)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// =============================================================================
// 鉴权
// =============================================================================

// authorize 操作者鉴权
// system/admin 直通；普通用户:
//   - 卖家 → escrow_funded
//   - 买家 → payment_sent
//   - 卖家或平台 → payment_confirmed
//   - 任一方 → disputed
//   - 任一方 → cancelled (仅托管前)
//   - crypto_released / completed / resolved_* 禁止用户驱动
func (m *Machine) authorize(t *Trade, to Status, actor Actor) error {
	if actor.System || actor.Admin {
		return nil
	}
	isBuyer := actor.UserID == t.BuyerID
	isSeller := actor.UserID == t.SellerID

	switch to {
	case StatusEscrowFunded:
		if isSeller {
			return nil
		}
	case StatusPaymentSent:
		if isBuyer {
			return nil
		}
	case StatusPaymentConfirmed:
		if isSeller || actor.UserID == ledger.PlatformUserID {
			return nil
		}
	case StatusDisputed:
		if isBuyer || isSeller {
			return nil
		}
	case StatusCancelled:
		// 用户只能在托管发生前取消
		if (isBuyer || isSeller) && t.Status == StatusPending {
			return nil
		}
	}
	return fmt.Errorf("%w: actor=%s to=%s", ErrPermissionDenied, actor.UserID, to)
}

// =============================================================================
// 余额副作用
// =============================================================================

// lockEscrow 卖家 available −X, locked +X
func (m *Machine) lockEscrow(tx *gorm.DB, t *Trade) error {
	platform := t.SellerID == ledger.PlatformUserID
	x := t.AmountCrypto
	tid := t.ID

	if err := m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.SellerID,
		Asset:          t.Asset,
		Field:          ledger.FieldAvailable,
		Amount:         x.Neg(),
		EntryType:      ledger.EntryTradeEscrowLock,
		IdempotencyKey: fmt.Sprintf("trade:%s:escrow_lock:available", tid),
		TradeID:        &tid,
		AllowNegative:  platform,
	}); err != nil {
		return err
	}
	return m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.SellerID,
		Asset:          t.Asset,
		Field:          ledger.FieldLocked,
		Amount:         x,
		EntryType:      ledger.EntryTradeEscrowLock,
		IdempotencyKey: fmt.Sprintf("trade:%s:escrow_lock:locked", tid),
		TradeID:        &tid,
		AllowNegative:  platform,
	})
}

// returnEscrow 卖家 locked −X, available +X (过期/取消/判卖家胜)
func (m *Machine) returnEscrow(tx *gorm.DB, t *Trade) error {
	platform := t.SellerID == ledger.PlatformUserID
	x := t.AmountCrypto
	tid := t.ID

	if err := m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.SellerID,
		Asset:          t.Asset,
		Field:          ledger.FieldLocked,
		Amount:         x.Neg(),
		EntryType:      ledger.EntryTradeEscrowReturn,
		IdempotencyKey: fmt.Sprintf("trade:%s:escrow_return:locked", tid),
		TradeID:        &tid,
		AllowNegative:  platform,
	}); err != nil {
		return err
	}
	return m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.SellerID,
		Asset:          t.Asset,
		Field:          ledger.FieldAvailable,
		Amount:         x,
		EntryType:      ledger.EntryTradeEscrowReturn,
		IdempotencyKey: fmt.Sprintf("trade:%s:escrow_return:available", tid),
		TradeID:        &tid,
		AllowNegative:  platform,
	})
}

// settle 结算: 卖家 locked −X, 买家 available +(X−F), 平台 available +F
// graduateBoth=false 时只晋级买家 (resolved_buyer 路径)
func (m *Machine) settle(tx *gorm.DB, t *Trade, graduateBoth bool) error {
	platform := t.SellerID == ledger.PlatformUserID
	x := t.AmountCrypto
	fee := t.FeeAmount
	tid := t.ID

	if err := m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.SellerID,
		Asset:          t.Asset,
		Field:          ledger.FieldLocked,
		Amount:         x.Neg(),
		EntryType:      ledger.EntryTradeEscrowRelease,
		IdempotencyKey: fmt.Sprintf("trade:%s:release:locked", tid),
		TradeID:        &tid,
		AllowNegative:  platform,
	}); err != nil {
		return err
	}

	if err := m.ledger.Mutate(tx, ledger.Mutation{
		UserID:         t.BuyerID,
		Asset:          t.Asset,
		Field:          ledger.FieldAvailable,
		Amount:         x.Sub(fee),
		EntryType:      ledger.EntryTradeCredit,
		IdempotencyKey: fmt.Sprintf("trade:%s:credit:available", tid),
		TradeID:        &tid,
		AllowNegative:  t.BuyerID == ledger.PlatformUserID,
	}); err != nil {
		return err
	}

	if fee.IsPositive() {
		if err := m.ledger.Mutate(tx, ledger.Mutation{
			UserID:         ledger.PlatformUserID,
			Asset:          t.Asset,
			Field:          ledger.FieldAvailable,
			Amount:         fee,
			EntryType:      ledger.EntryFeeCredit,
			IdempotencyKey: fmt.Sprintf("trade:%s:fee:available", tid),
			TradeID:        &tid,
			AllowNegative:  true,
		}); err != nil {
			return err
		}
	}

	// 成交晋级
	if err := m.users.GraduateTradeLimit(tx, t.BuyerID); err != nil {
		return err
	}
	if graduateBoth {
		if err := m.users.GraduateTradeLimit(tx, t.SellerID); err != nil {
			return err
		}
	}
	return nil
}

// holdingUntil 计算确认后的持有期
// NULL 视为立即可放行 (历史行)；本状态机总是写入具体时间。
func (m *Machine) holdingUntil(tx *gorm.DB, t *Trade, now time.Time, extra *Extra) (time.Time, error) {
	if extra != nil && extra.HoldingOverride != nil {
		return *extra.HoldingOverride, nil
	}
	var buyer user.User
	if err := tx.Where("id = ?", t.BuyerID).First(&buyer).Error; err != nil {
		return time.Time{}, fmt.Errorf("load buyer: %w", err)
	}
	if buyer.TradeCount < newUserHoldingTradeCount {
		return now.Add(m.cfg.NewUserHolding), nil
	}
	return now, nil
}

// =============================================================================
// 争议与合规
// =============================================================================

// openDispute 创建争议行 + STR (同事务)
func (m *Machine) openDispute(tx *gorm.DB, t *Trade, actor Actor, extra *Extra) error {
	openedBy := actor.UserID
	reason := "dispute opened"
	if extra != nil {
		if extra.DisputeOpenedBy != uuid.Nil {
			openedBy = extra.DisputeOpenedBy
		}
		if extra.DisputeReason != "" {
			reason = extra.DisputeReason
		}
	}

	now := time.Now()
	d := &Dispute{
		ID:        uuid.New(),
		TradeID:   t.ID,
		OpenedBy:  openedBy,
		Reason:    reason,
		Status:    DisputeOpen,
		CreatedAt: now,
	}
	if err := tx.Clauses(clause.Insert{Modifier: "IGNORE"}).Create(d).Error; err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}

	// STR 每次争议都写，失败回滚整个迁移
	str := &ComplianceLog{
		ID:         uuid.New(),
		RefNo:      stream.NextSeq(),
		Type:       ComplianceSTR,
		TradeID:    t.ID,
		AmountFiat: t.AmountFiat,
		Details:    fmt.Sprintf("dispute opened by %s: %s", openedBy, reason),
		CreatedAt:  now,
	}
	if err := tx.Create(str).Error; err != nil {
		return fmt.Errorf("write STR: %w", err)
	}
	return nil
}

// resolveDispute 关闭争议行
func (m *Machine) resolveDispute(tx *gorm.DB, t *Trade, extra *Extra) error {
	resolution := ""
	if extra != nil {
		resolution = extra.Resolution
	}
	now := time.Now()
	result := tx.Model(&Dispute{}).
		Where("trade_id = ? AND status = ?", t.ID, DisputeOpen).
		Updates(map[string]any{
			"status":      DisputeResolved,
			"resolution":  resolution,
			"resolved_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// writeLVCTR 大额交易报告 (≥ 阈值才写)，失败回滚
func (m *Machine) writeLVCTR(tx *gorm.DB, t *Trade) error {
	if t.AmountFiat.LessThan(m.cfg.LVCTRThreshold) {
		return nil
	}
	lvctr := &ComplianceLog{
		ID:         uuid.New(),
		RefNo:      stream.NextSeq(),
		Type:       ComplianceLVCTR,
		TradeID:    t.ID,
		AmountFiat: t.AmountFiat,
		Details:    fmt.Sprintf("trade completed: %s %s for %s CAD", t.AmountCrypto, t.Asset, t.AmountFiat),
		CreatedAt:  time.Now(),
	}
	return tx.Create(lvctr).Error
}

// =============================================================================
// 创建入口 (订单管道调用)
// =============================================================================

// CreateEscrowed 在调用方事务内创建交易并直接托管
//
// 流程: 插入 pending 行 → 手续费抵扣 (与插入同事务，防双花) →
// 迁移到 escrow_funded (卖家托管锁定)。
// 提交后的 trade_created 事件发布由调用方负责。
func (m *Machine) CreateEscrowed(tx *gorm.DB, t *Trade) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	// 手续费: 双边总额，再按买家 CAD 抵扣额度折减
	fee := TotalFee(t.AmountCrypto, t.FeePercent)
	if t.BuyerID != ledger.PlatformUserID && fee.IsPositive() {
		want := FeeCadValue(fee, t.PricePerUnit)
		used, err := m.users.DeductFeeCredit(tx, t.BuyerID, want)
		if err != nil {
			return err
		}
		if used.IsPositive() {
			fee = fee.Sub(FeeDiscount(used, t.PricePerUnit, fee))
		}
	}
	t.FeeAmount = fee

	if err := tx.Create(t).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return m.ApplyTransition(tx, t, StatusEscrowFunded, SystemActor, nil)
}

// PublishCreated 提交后发布 trade_created (订单管道调用)
func (m *Machine) PublishCreated(ctx context.Context, t *Trade) {
	if m.bus == nil {
		return
	}
	m.bus.PublishTrade(ctx, &pubsub.TradeEvent{
		Type:      pubsub.EventTradeCreated,
		TradeID:   t.ID.String(),
		BuyerID:   t.BuyerID.String(),
		SellerID:  t.SellerID.String(),
		NewStatus: string(t.Status),
	})
}
