// 文件: pkg/stream/nats.go
// 账本流水的 NATS 发布器
// 轻量级替代 Kafka，适合本地开发

package stream

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"maplex.com/pkg/ledger"
)

// 确保实现了接口
var _ ledger.JournalPublisher = (*NatsJournalPublisher)(nil)

// NatsJournalPublisher 账本流水 NATS 发布器
type NatsJournalPublisher struct {
	conn *nats.Conn
}

// NewNatsJournalPublisher 创建发布器
func NewNatsJournalPublisher(url string) (*NatsJournalPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsJournalPublisher{conn: conn}, nil
}

// PublishJournal 发布流水事件
func (p *NatsJournalPublisher) PublishJournal(event *ledger.JournalEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return err
	}
	return p.conn.Publish(TopicJournal, data)
}

// Close 关闭连接
func (p *NatsJournalPublisher) Close() {
	p.conn.Close()
}
