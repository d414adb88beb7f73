// 文件: pkg/pubsub/broadcaster.go
// 进程内事件扇出器
//
// 把一条交易事件分发给 N 个订阅者 (本进程的 WebSocket 连接管理层)，
// 且保证隔离性: 某个订阅者处理慢，不能影响其他订阅者。
// 通过 select default 实现: channel 满了直接丢，绝不等待。

package pubsub

import "sync"

// Broadcaster 事件扇出器
type Broadcaster struct {
	// 读多写少: Broadcast 高频，Subscribe 低频，用 RWMutex
	mu          sync.RWMutex
	subscribers []chan TradeEvent
}

// NewBroadcaster 创建扇出器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make([]chan TradeEvent, 0),
	}
}

// Subscribe 订阅事件
// 缓冲 1024: 给慢订阅者 (如写 WS 的 goroutine) 喘息空间。
func (b *Broadcaster) Subscribe() <-chan TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan TradeEvent, 1024)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast 广播事件到所有订阅者
func (b *Broadcaster) Broadcast(e TradeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Channel 满了，丢弃 (Drop Strategy)
		}
	}
}

// Close 关闭扇出器，关闭所有订阅者的 Channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
