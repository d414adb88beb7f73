// 文件: pkg/pubsub/bus.go
// 交易事件总线 (Redis Pub/Sub)
//
// channel:trades 承载交易生命周期事件，channel:orderbook:{asset} 承载盘口增量。
// 总线是 best-effort: 丢消息、乱序、重复都允许，订阅方以数据库为准，
// WebSocket 客户端重连后必须主动拉全量。

package pubsub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// 频道与消息
// =============================================================================

const (
	ChannelTrades          = "channel:trades"
	channelOrderbookPrefix = "channel:orderbook:"
)

// OrderbookChannel 某资产的盘口频道
func OrderbookChannel(asset string) string {
	return channelOrderbookPrefix + asset
}

// 事件类型
const (
	EventTradeCreated       = "trade_created"
	EventTradeStatusChanged = "trade_status_changed"
)

// TradeEvent 交易生命周期事件
type TradeEvent struct {
	Type      string `json:"type"` // trade_created / trade_status_changed
	TradeID   string `json:"tradeId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus"`
	Timestamp int64  `json:"timestamp"`
}

// OrderbookEvent 盘口增量事件
type OrderbookEvent struct {
	Asset         string `json:"asset"`
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	RemainingFiat string `json:"remainingFiat"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

// =============================================================================
// Bus
// =============================================================================

// Bus 事件总线
type Bus struct {
	client *redis.Client
	local  *Broadcaster // 进程内扇出 (WebSocket 层订阅)
}

// NewBus 创建总线
func NewBus(client *redis.Client) *Bus {
	return &Bus{
		client: client,
		local:  NewBroadcaster(),
	}
}

// Local 进程内扇出器
func (b *Bus) Local() *Broadcaster {
	return b.local
}

// PublishTrade 发布交易事件
// 失败只记日志: 总线是提示，不是事实来源。
func (b *Bus) PublishTrade(ctx context.Context, event *TradeEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.local.Broadcast(*event)

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[PubSub] marshal trade event: %v", err)
		return
	}
	if err := b.client.Publish(ctx, ChannelTrades, data).Err(); err != nil {
		log.Printf("[PubSub] publish %s failed: %v", ChannelTrades, err)
	}
}

// PublishOrderbook 发布盘口增量
func (b *Bus) PublishOrderbook(ctx context.Context, event *OrderbookEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[PubSub] marshal orderbook event: %v", err)
		return
	}
	ch := OrderbookChannel(event.Asset)
	if err := b.client.Publish(ctx, ch, data).Err(); err != nil {
		log.Printf("[PubSub] publish %s failed: %v", ch, err)
	}
}

// SubscribeTrades 订阅交易频道 (跨实例)
// 返回的 channel 由 go-redis 管理，ctx 取消后关闭。
func (b *Bus) SubscribeTrades(ctx context.Context) <-chan *redis.Message {
	sub := b.client.Subscribe(ctx, ChannelTrades)
	return sub.Channel()
}
