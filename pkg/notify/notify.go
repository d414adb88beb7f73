// 文件: pkg/notify/notify.go
// 站内通知
//
// 通知是提示不是事实: 写入失败只记日志，绝不回滚核心事务。
// 事务内写用 WriteTx (随核心提交)，事务外写用 Write。

package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// =============================================================================
// 通知类型
// =============================================================================

type Kind string

const (
	KindDepositDetected    Kind = "deposit_detected"
	KindDepositConfirmed   Kind = "deposit_confirmed"
	KindDepositExpired     Kind = "deposit_expired"
	KindWithdrawalSent     Kind = "withdrawal_sent"
	KindWithdrawalFailed   Kind = "withdrawal_failed"
	KindWithdrawalApproved Kind = "withdrawal_approved"
	KindTradeUpdate        Kind = "trade_update"
	KindStakingReward      Kind = "staking_reward"
)

// =============================================================================
// 模型
// =============================================================================

// Notification 站内通知行
type Notification struct {
	ID        uuid.UUID `gorm:"column:id;type:char(36);primaryKey"`
	UserID    uuid.UUID `gorm:"column:user_id;type:char(36);index"`
	Kind      Kind      `gorm:"column:kind;type:varchar(32)"`
	Title     string    `gorm:"column:title;type:varchar(128)"`
	Body      string    `gorm:"column:body;type:varchar(512)"`
	Read      bool      `gorm:"column:read;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (Notification) TableName() string {
	return "notifications"
}

// =============================================================================
// Writer
// =============================================================================

// Writer 通知写入器
type Writer struct {
	db *gorm.DB
}

// NewWriter 创建通知写入器
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db}
}

// WriteTx 事务内写通知 (随核心事务提交，不单独失败)
// 返回错误交给调用方决定: 约定是忽略并记日志。
func (w *Writer) WriteTx(tx *gorm.DB, userID uuid.UUID, kind Kind, title, body string) {
	n := &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := tx.Create(n).Error; err != nil {
		log.Printf("[Notify] write %s for %s: %v", kind, userID, err)
	}
}

// Write 事务外写通知 (best-effort)
func (w *Writer) Write(ctx context.Context, userID uuid.UUID, kind Kind, title, body string) {
	w.WriteTx(w.db.WithContext(ctx), userID, kind, title, body)
}

// ListUnread 用户未读通知
func (w *Writer) ListUnread(ctx context.Context, userID uuid.UUID) ([]Notification, error) {
	var ns []Notification
	err := w.db.WithContext(ctx).
		Where("user_id = ? AND `read` = ?", userID, false).
		Order("created_at DESC").
		Find(&ns).Error
	return ns, err
}

// MarkRead 标记已读
func (w *Writer) MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return w.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Update("read", true).Error
}
