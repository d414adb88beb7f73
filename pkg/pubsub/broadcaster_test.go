// 文件: pkg/pubsub/broadcaster_test.go
// 进程内扇出器单元测试

package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	e := TradeEvent{Type: EventTradeCreated, TradeID: "t1", NewStatus: "pending"}
	b.Broadcast(e)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, e, got1)
	assert.Equal(t, e, got2)
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	fast := b.Subscribe()

	// 塞满慢订阅者 (缓冲 1024)，之后的广播对它静默丢弃
	for i := 0; i < 1100; i++ {
		b.Broadcast(TradeEvent{TradeID: "x", NewStatus: "pending"})
	}

	assert.Equal(t, 1024, len(slow))
	assert.Equal(t, 1024, len(fast))

	// 慢订阅者不拖垮新事件: 快订阅者清空后还能收到
	for len(fast) > 0 {
		<-fast
	}
	b.Broadcast(TradeEvent{TradeID: "y", NewStatus: "completed"})
	require.Equal(t, 1, len(fast))
	got := <-fast
	assert.Equal(t, "y", got.TradeID)
	assert.Equal(t, 1024, len(slow)) // 还是满的，这条丢了
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Close 后广播是无害空操作
	b.Broadcast(TradeEvent{TradeID: "z"})
}
