// 文件: pkg/order/service.go
// 下单管道
//
// 【流程】
// 1. 幂等缓存 (Redis, 5 分钟 TTL): 命中直接回放首次结果
// 2. 资格校验: KYC 双方必须 verified；卖家必须开 autodeposit；
//    金额不超过用户当前交易限额
// 3. 卖单在余额行锁下做可扣校验，避免先查后锁的窗口
// 4. 市价快照: effectivePrice = 市价 × (1 ± spread%)
// 5. 插入 active 订单 → P2P 撮合 → 平台补齐残量
// 6. 一笔成交都没有则原子取消订单并报错 (订单不留挂单)
// 7. 结果写入幂等缓存

package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/chain"
	"maplex.com/pkg/ledger"
	"maplex.com/pkg/price"
	"maplex.com/pkg/pubsub"
	"maplex.com/pkg/trade"
	"maplex.com/pkg/user"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrKYCRequired         = errors.New("kyc verification required")
	ErrAutodepositRequired = errors.New("seller must enable autodeposit")
	ErrLimitExceeded       = errors.New("order amount exceeds trade limit")
	ErrNoMatch             = errors.New("order could not be matched")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOwner            = errors.New("order belongs to another user")
	ErrOrderFinal          = errors.New("order already in terminal status")
	ErrInvalidOrder        = errors.New("invalid order request")
)

// =============================================================================
// 配置
// =============================================================================

// Config 订单管道配置
type Config struct {
	FeePercent     decimal.Decimal // 单边手续费率 (%)
	SpreadPercent  decimal.Decimal // 平台点差 (%)
	IdempotencyTTL time.Duration   // 下单幂等缓存有效期
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FeePercent:     decimal.NewFromFloat(0.75),
		SpreadPercent:  decimal.NewFromFloat(1.5),
		IdempotencyTTL: 5 * time.Minute,
	}
}

// =============================================================================
// Service
// =============================================================================

// Service 订单管道
type Service struct {
	db      *gorm.DB
	rdb     *redis.Client
	oracle  price.Oracle
	machine *trade.Machine
	ledger  *ledger.Engine
	users   *user.Repository
	bus     *pubsub.Bus // 可为 nil (测试)
	cfg     Config
}

// NewService 创建订单管道
func NewService(db *gorm.DB, rdb *redis.Client, oracle price.Oracle, machine *trade.Machine,
	eng *ledger.Engine, users *user.Repository, bus *pubsub.Bus, cfg Config) *Service {
	return &Service{
		db: db, rdb: rdb, oracle: oracle, machine: machine,
		ledger: eng, users: users, bus: bus, cfg: cfg,
	}
}

// =============================================================================
// 下单
// =============================================================================

// PlaceRequest 下单请求
type PlaceRequest struct {
	UserID         uuid.UUID
	IdempotencyKey string // 客户端携带，空则不走幂等缓存
	Type           Type
	Asset          chain.Asset
	AmountFiat     decimal.Decimal
	Pricing        Pricing
	PremiumPercent decimal.Decimal
	FixedPrice     decimal.Decimal
	MinMatchFiat   decimal.Decimal
	MaxMatchFiat   decimal.Decimal
}

// PlaceResult 下单结果
type PlaceResult struct {
	OrderID  uuid.UUID   `json:"orderId"`
	TradeIDs []uuid.UUID `json:"tradeIds"`
	Replayed bool        `json:"-"` // 幂等缓存回放标记
}

// Place 下单并走完整撮合管道
func (s *Service) Place(ctx context.Context, req *PlaceRequest) (*PlaceResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	// ===== 幂等缓存 =====
	if req.IdempotencyKey != "" {
		if cached := s.loadCachedResult(ctx, req); cached != nil {
			return cached, nil
		}
	}

	// ===== 资格校验 =====
	u, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if u.KYCStatus != user.KYCVerified {
		return nil, ErrKYCRequired
	}
	if req.Type == TypeSell && !u.Autodeposit {
		return nil, ErrAutodepositRequired
	}
	if req.AmountFiat.GreaterThan(u.MaxTradeLimit) {
		return nil, fmt.Errorf("%w: %s > %s CAD", ErrLimitExceeded, req.AmountFiat, u.MaxTradeLimit)
	}

	// ===== 市价快照 =====
	effectivePrice, err := s.effectivePrice(ctx, req.Type, req.Asset)
	if err != nil {
		return nil, err
	}

	// ===== 插入订单 (卖单在同事务余额行锁下校验可扣) =====
	o := &Order{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Type:           req.Type,
		Asset:          req.Asset,
		AmountFiat:     req.AmountFiat,
		RemainingFiat:  req.AmountFiat,
		Pricing:        req.Pricing,
		PremiumPercent: req.PremiumPercent,
		FixedPrice:     req.FixedPrice,
		MinMatchFiat:   req.MinMatchFiat,
		MaxMatchFiat:   req.MaxMatchFiat,
		EffectivePrice: effectivePrice,
		Status:         StatusActive,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.Type == TypeSell {
			if err := s.checkSellerFunds(tx, req, effectivePrice); err != nil {
				return err
			}
		}
		return tx.Create(o).Error
	})
	if err != nil {
		return nil, err
	}

	// ===== P2P 撮合 =====
	trades, err := s.matchPass(ctx, o.ID)
	if err != nil {
		log.Printf("[Order] match pass order %s: %v", o.ID, err)
	}

	// ===== 平台补齐 =====
	platformTrades, err := s.platformFill(ctx, o.ID)
	if err != nil {
		log.Printf("[Order] platform fill order %s: %v", o.ID, err)
	}
	trades = append(trades, platformTrades...)

	// ===== 零成交则原子取消 =====
	if len(trades) == 0 {
		if cerr := s.cancelIfUntraded(ctx, o.ID); cerr != nil {
			log.Printf("[Order] cancel untraded order %s: %v", o.ID, cerr)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrNoMatch
	}

	result := &PlaceResult{OrderID: o.ID}
	for _, t := range trades {
		result.TradeIDs = append(result.TradeIDs, t.ID)
	}
	if req.IdempotencyKey != "" {
		s.storeCachedResult(ctx, req, result)
	}
	return result, nil
}

// validateRequest 请求形参校验
func (s *Service) validateRequest(req *PlaceRequest) error {
	if req.Type != TypeBuy && req.Type != TypeSell {
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	}
	if !req.Asset.Valid() {
		return fmt.Errorf("%w: asset %q", ErrInvalidOrder, req.Asset)
	}
	if !req.AmountFiat.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if req.Pricing == PricingFixed && !req.FixedPrice.IsPositive() {
		return fmt.Errorf("%w: fixed pricing needs a positive price", ErrInvalidOrder)
	}
	if req.MinMatchFiat.IsPositive() && req.MaxMatchFiat.IsPositive() &&
		req.MinMatchFiat.GreaterThan(req.MaxMatchFiat) {
		return fmt.Errorf("%w: min match above max match", ErrInvalidOrder)
	}
	return nil
}

// effectivePrice 买单 = 市价 × (1 + spread%)，卖单 = 市价 × (1 − spread%)
// 快照进订单行，平台补齐按此价成交。
func (s *Service) effectivePrice(ctx context.Context, typ Type, asset chain.Asset) (decimal.Decimal, error) {
	marketPrice, err := s.oracle.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	spread := s.cfg.SpreadPercent.Div(decimal.NewFromInt(100))
	if typ == TypeBuy {
		return marketPrice.Mul(decimal.NewFromInt(1).Add(spread)).Round(2), nil
	}
	return marketPrice.Mul(decimal.NewFromInt(1).Sub(spread)).Round(2), nil
}

// checkSellerFunds 余额行锁下校验卖家可扣
// 只是准入检查；真正的扣减由状态机托管锁定完成，那里有自己的负余额守卫。
func (s *Service) checkSellerFunds(tx *gorm.DB, req *PlaceRequest, effectivePrice decimal.Decimal) error {
	need := req.AmountFiat.Div(effectivePrice).Round(8)
	bal, err := ledger.GetBalanceForUpdate(tx, req.UserID, req.Asset)
	if err != nil {
		return err
	}
	if bal.Available.LessThan(need) {
		return fmt.Errorf("%w: need %s %s, have %s",
			ledger.ErrInsufficientFunds, need, req.Asset, bal.Available)
	}
	return nil
}

// cancelIfUntraded 零成交订单的原子取消
// WHERE 带 remaining = amount 保证并发撮合插队时不会误杀。
func (s *Service) cancelIfUntraded(ctx context.Context, orderID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ? AND remaining_fiat = amount_fiat", orderID, StatusActive).
		Updates(map[string]any{
			"status":     StatusCancelled,
			"updated_at": time.Now(),
		})
	return result.Error
}

// =============================================================================
// 幂等缓存
// =============================================================================

// idemCacheKey 幂等缓存键
func idemCacheKey(userID uuid.UUID, key string) string {
	return fmt.Sprintf("order:idem:%s:%s", userID, key)
}

// loadCachedResult 命中返回首次结果，未命中返回 nil
func (s *Service) loadCachedResult(ctx context.Context, req *PlaceRequest) *PlaceResult {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, idemCacheKey(req.UserID, req.IdempotencyKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Printf("[Order] idempotency cache read: %v", err)
		return nil
	}
	var result PlaceResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("[Order] idempotency cache decode: %v", err)
		return nil
	}
	result.Replayed = true
	return &result
}

// storeCachedResult 缓存首次结果 (失败只记日志)
func (s *Service) storeCachedResult(ctx context.Context, req *PlaceRequest, result *PlaceResult) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	key := idemCacheKey(req.UserID, req.IdempotencyKey)
	if err := s.rdb.Set(ctx, key, data, s.cfg.IdempotencyTTL).Err(); err != nil {
		log.Printf("[Order] idempotency cache write: %v", err)
	}
}

// =============================================================================
// 订单管理
// =============================================================================

// Get 查询订单
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Cancel 用户取消自己的订单 (active/paused → cancelled)
// 已成交部分不受影响，只冻结残量。
func (s *Service) Cancel(ctx context.Context, orderID, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return ErrNotOwner
		}
		if o.Status == StatusFilled || o.Status == StatusCancelled {
			return ErrOrderFinal
		}
		return tx.Model(&Order{}).Where("id = ?", o.ID).
			Updates(map[string]any{"status": StatusCancelled, "updated_at": time.Now()}).Error
	})
	if err != nil {
		return err
	}
	s.publishOrderbook(ctx, orderID)
	return nil
}

// SetPaused 暂停/恢复挂单
func (s *Service) SetPaused(ctx context.Context, orderID, userID uuid.UUID, paused bool) error {
	from, to := StatusActive, StatusPaused
	if !paused {
		from, to = StatusPaused, StatusActive
	}
	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND user_id = ? AND status = ?", orderID, userID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	s.publishOrderbook(ctx, orderID)
	return nil
}

// ListActive 用户的活跃挂单
func (s *Service) ListActive(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusActive, StatusPaused}).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

// =============================================================================
// 周期重撮合 (定时任务入口)
// =============================================================================

// RematchActiveOrders 对所有 active 残量订单重跑一轮撮合 + 平台补齐
// 单张订单失败只记日志，不中断本轮。
func (s *Service) RematchActiveOrders(ctx context.Context) (int, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND remaining_fiat > 0", StatusActive).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return 0, err
	}

	matched := 0
	for _, o := range orders {
		trades, err := s.matchPass(ctx, o.ID)
		if err != nil {
			log.Printf("[Rematch] order %s: %v", o.ID, err)
			continue
		}
		platformTrades, err := s.platformFill(ctx, o.ID)
		if err != nil {
			log.Printf("[Rematch] platform fill order %s: %v", o.ID, err)
		}
		matched += len(trades) + len(platformTrades)
	}
	return matched, nil
}

// orderbookEvent 订单行 → 盘口增量事件
func orderbookEvent(o *Order) *pubsub.OrderbookEvent {
	return &pubsub.OrderbookEvent{
		Asset:         string(o.Asset),
		OrderID:       o.ID.String(),
		Side:          string(o.Type),
		RemainingFiat: o.RemainingFiat.String(),
		Status:        string(o.Status),
	}
}
