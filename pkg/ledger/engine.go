// 文件: pkg/ledger/engine.go
// 账本模块 - 变更引擎
//
// 【设计】
// - Mutate 是全系统唯一的余额变更原语，其他模块一律经由它改余额
// - 运行在调用方提供的事务内，余额更新和账本追加原子提交
// - 幂等: 同一 IdempotencyKey 重放是 no-op
// - 行锁: 先 FOR UPDATE 锁余额行再计算新值
// - 非平台账户任何字段不允许为负

package ledger

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
)

// PlatformUserID 平台账户 (做市兜底 + 手续费归集)
// 唯一允许余额为负的账户，负余额由场外储备金背书。
var PlatformUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrInsufficientFunds 余额不足 (非致命，返回给调用方)
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoBalanceRow 余额行不存在 (属于 bug: 用户创建时必须初始化所有资产行)
	ErrNoBalanceRow = errors.New("balance row not found")

	// ErrInvalidMutation 变更请求不合法
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrNegativeNotAllowed 非平台账户不允许 allowNegative
	ErrNegativeNotAllowed = errors.New("allowNegative is reserved for the platform user")
)

// =============================================================================
// JournalPublisher - 流水导出 (可选)
// =============================================================================

// JournalPublisher 账本流水导出接口 (Kafka/NATS 实现见 pkg/stream)
type JournalPublisher interface {
	PublishJournal(event *JournalEvent) error
}

// SeqFunc 导出事件序列号生成器
type SeqFunc func() int64

// =============================================================================
// Engine - 账本引擎
// =============================================================================

// Engine 账本引擎
//
// 用法:
//
//	eng := ledger.NewEngine(nil, nil)
//	err := eng.Transaction(db, func(tx *gorm.DB) error {
//	    return eng.Mutate(tx, ledger.Mutation{...})
//	})
type Engine struct {
	publisher JournalPublisher // 可为 nil
	nextSeq   SeqFunc          // 可为 nil

	mu      sync.Mutex
	pending map[gorm.ConnPool]*journalBuffer
}

// journalBuffer 单个事务待发布的导出事件
type journalBuffer struct {
	depth   int
	entries []*Entry
}

// NewEngine 创建账本引擎
func NewEngine(publisher JournalPublisher, nextSeq SeqFunc) *Engine {
	return &Engine{
		publisher: publisher,
		nextSeq:   nextSeq,
		pending:   make(map[gorm.ConnPool]*journalBuffer),
	}
}

// =============================================================================
// 事务边界
// =============================================================================

// Transaction 开启账本事务
//
// 事务内 Mutate 产生的导出事件先入缓冲，提交成功后才逐条发布；
// 回滚的事务不泄漏任何流水事件，下游归档永远只见已提交的记录。
// 所有会变更余额的业务事务必须从这里开，而不是裸 db.Transaction。
func (e *Engine) Transaction(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var committed []*Entry
	err := db.Transaction(func(tx *gorm.DB) error {
		key := tx.Statement.ConnPool
		e.pushBuffer(key)
		defer func() { committed = e.popBuffer(key) }()
		return fn(tx)
	})
	if err != nil {
		return err
	}
	for _, entry := range committed {
		e.export(entry)
	}
	return nil
}

// pushBuffer 注册事务缓冲，嵌套事务共享最外层缓冲
func (e *Engine) pushBuffer(key gorm.ConnPool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok := e.pending[key]; ok {
		buf.depth++
		return
	}
	e.pending[key] = &journalBuffer{depth: 1}
}

// popBuffer 注销缓冲；只有最外层拿到积累的事件
func (e *Engine) popBuffer(key gorm.ConnPool) []*Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.pending[key]
	if !ok {
		return nil
	}
	buf.depth--
	if buf.depth > 0 {
		return nil
	}
	delete(e.pending, key)
	return buf.entries
}

// =============================================================================
// 核心原语
// =============================================================================

// Mutate 在调用方事务内执行一次余额变更
//
// 流程:
//  1. 校验请求
//  2. 幂等检查: IdempotencyKey 已存在则直接返回成功
//  3. FOR UPDATE 锁余额行
//  4. new = current[field] + amount; new < 0 且不允许负数则失败
//  5. 更新余额 + 追加一条账本记录 (balance_after = new)
func (e *Engine) Mutate(tx *gorm.DB, m Mutation) error {
	if err := e.validate(m); err != nil {
		return err
	}

	// ===== 幂等检查 =====
	// 余额行锁串行化了同一 (user, asset) 上的并发重放，
	// 这里先查一次避免白白走一遍计算。
	var count int64
	if err := tx.Model(&Entry{}).
		Where("idempotency_key = ?", m.IdempotencyKey).
		Count(&count).Error; err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if count > 0 {
		return nil // 重放，no-op
	}

	// ===== 锁余额行 =====
	var bal Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", m.UserID, m.Asset).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: user=%s asset=%s", ErrNoBalanceRow, m.UserID, m.Asset)
	}
	if err != nil {
		return fmt.Errorf("lock balance row: %w", err)
	}

	// ===== 计算新值 =====
	current := bal.Get(m.Field)
	newVal := current.Add(m.Amount)
	if newVal.IsNegative() && !m.AllowNegative {
		return fmt.Errorf("%w: user=%s asset=%s field=%s have=%s want=%s",
			ErrInsufficientFunds, m.UserID, m.Asset, m.Field, current, m.Amount.Neg())
	}

	// ===== 写回余额 =====
	bal.Set(m.Field, newVal)
	bal.UpdatedAt = time.Now()
	if err := tx.Model(&Balance{}).
		Where("id = ?", bal.ID).
		Updates(map[string]any{
			string(m.Field): newVal,
			"updated_at":    bal.UpdatedAt,
		}).Error; err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	// ===== 追加账本 =====
	entry := &Entry{
		EntryID:        uuid.New(),
		UserID:         m.UserID,
		Asset:          m.Asset,
		EntryType:      m.EntryType,
		Field:          m.Field,
		Amount:         m.Amount,
		BalanceAfter:   newVal,
		IdempotencyKey: m.IdempotencyKey,
		TradeID:        m.TradeID,
		DepositID:      m.DepositID,
		WithdrawalID:   m.WithdrawalID,
		Note:           m.Note,
		CreatedAt:      time.Now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}

	// ===== 导出流水 (缓冲至事务提交后发布) =====
	e.queueExport(tx, entry)

	return nil
}

// queueExport 事件入当前事务缓冲
// 调用方没走 Engine.Transaction 的裸事务退化为即时导出 (回滚时会漏发假事件)。
func (e *Engine) queueExport(tx *gorm.DB, entry *Entry) {
	if e.publisher == nil {
		return
	}
	e.mu.Lock()
	if buf, ok := e.pending[tx.Statement.ConnPool]; ok {
		buf.entries = append(buf.entries, entry)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.export(entry)
}

// validate 校验变更请求
func (e *Engine) validate(m Mutation) error {
	if !m.Field.Valid() {
		return fmt.Errorf("%w: bad field %q", ErrInvalidMutation, m.Field)
	}
	if !m.Asset.Valid() {
		return fmt.Errorf("%w: bad asset %q", ErrInvalidMutation, m.Asset)
	}
	if m.IdempotencyKey == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidMutation)
	}
	if m.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidMutation)
	}
	refs := 0
	if m.TradeID != nil {
		refs++
	}
	if m.DepositID != nil {
		refs++
	}
	if m.WithdrawalID != nil {
		refs++
	}
	if refs > 1 {
		return fmt.Errorf("%w: entry may reference at most one of trade/deposit/withdrawal", ErrInvalidMutation)
	}
	// allowNegative 守卫在引擎内部，调用方绕不过去
	if m.AllowNegative && m.UserID != PlatformUserID {
		return ErrNegativeNotAllowed
	}
	return nil
}

// export 推送导出事件
func (e *Engine) export(entry *Entry) {
	if e.publisher == nil {
		return
	}
	var seq int64
	if e.nextSeq != nil {
		seq = e.nextSeq()
	}
	event := &JournalEvent{
		Seq:            seq,
		EntryID:        entry.EntryID.String(),
		IdempotencyKey: entry.IdempotencyKey,
		UserID:         entry.UserID.String(),
		Asset:          string(entry.Asset),
		EntryType:      entry.EntryType,
		Field:          entry.Field,
		Amount:         entry.Amount,
		BalanceAfter:   entry.BalanceAfter,
		CreatedAt:      entry.CreatedAt,
	}
	if err := e.publisher.PublishJournal(event); err != nil {
		log.Printf("[Ledger] journal export failed: key=%s, err=%v", entry.IdempotencyKey, err)
	}
}

// =============================================================================
// 余额初始化
// =============================================================================

// InitBalances 为用户创建全部资产的零余额行
// 用户注册时调用一次；缺行属于 bug (见 ErrNoBalanceRow)。
func InitBalances(tx *gorm.DB, userID uuid.UUID) error {
	now := time.Now()
	rows := make([]*Balance, 0, len(chain.AllAssets))
	for _, a := range chain.AllAssets {
		rows = append(rows, &Balance{
			UserID:         userID,
			Asset:          a,
			Available:      decimal.Zero,
			Locked:         decimal.Zero,
			PendingDeposit: decimal.Zero,
			UpdatedAt:      now,
		})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// GetBalance 读取余额 (不加锁)
func GetBalance(tx *gorm.DB, userID uuid.UUID, asset chain.Asset) (*Balance, error) {
	var bal Balance
	err := tx.Where("user_id = ? AND asset = ?", userID, asset).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoBalanceRow
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// GetBalanceForUpdate 读取余额并加行锁 (事务内使用)
func GetBalanceForUpdate(tx *gorm.DB, userID uuid.UUID, asset chain.Asset) (*Balance, error) {
	var bal Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoBalanceRow
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}
