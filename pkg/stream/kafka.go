// 文件: pkg/stream/kafka.go
// 账本流水的 Kafka 收发
//
// 特点:
// - 生产端异步发送，按用户ID分区保证单用户顺序
// - 消费端消费者组，回调处理，错误不中断
// - 优雅关闭

package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"maplex.com/pkg/ledger"
)

// TopicJournal 账本流水 topic
const TopicJournal = "ledger_journal_events"

// =============================================================================
// KafkaJournalPublisher - 生产者
// =============================================================================

// 确保实现了接口
var _ ledger.JournalPublisher = (*KafkaJournalPublisher)(nil)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultKafkaConfig 默认配置
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:        brokers,
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// KafkaJournalPublisher 账本流水 Kafka 生产者
type KafkaJournalPublisher struct {
	producer sarama.AsyncProducer

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewKafkaJournalPublisher 创建生产者
func NewKafkaJournalPublisher(cfg KafkaConfig) (*KafkaJournalPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = cfg.FlushFrequency
	saramaConfig.Producer.Flush.Messages = cfg.FlushMessages
	saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &KafkaJournalPublisher{producer: producer}

	p.wg.Add(1)
	go p.handleErrors()

	return p, nil
}

// PublishJournal 发送流水事件 (异步)
func (p *KafkaJournalPublisher) PublishJournal(event *ledger.JournalEvent) error {
	if p.closed.Load() {
		return fmt.Errorf("kafka publisher is closed")
	}

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("serialize journal event: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: TopicJournal,
		Key:   sarama.StringEncoder(event.UserID), // 同一用户保证顺序
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)
	return nil
}

func (p *KafkaJournalPublisher) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		log.Printf("[Kafka] send error: topic=%s, err=%v", err.Msg.Topic, err.Err)
	}
}

// Stats 发送统计
func (p *KafkaJournalPublisher) Stats() (sent, errors int64) {
	return p.sentCount.Load(), p.errorCount.Load()
}

// Close 关闭生产者
func (p *KafkaJournalPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil // 已经关闭
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}

// =============================================================================
// JournalConsumer - 消费者 (归档写入器使用)
// =============================================================================

// MessageHandler 消息处理函数
type MessageHandler func(topic string, partition int32, offset int64, key, value []byte) error

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(brokers []string, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topics:  []string{TopicJournal},
	}
}

// JournalConsumer 账本流水 Kafka 消费者
type JournalConsumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJournalConsumer 创建消费者
func NewJournalConsumer(cfg ConsumerConfig, handler MessageHandler) (*JournalConsumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &JournalConsumer{
		client:  client,
		config:  cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start 启动消费
func (c *JournalConsumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{handler: c.handler}
			if err := c.client.Consume(c.ctx, c.config.Topics, handler); err != nil {
				log.Printf("[Kafka] consume error: %v", err)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费
func (c *JournalConsumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

type consumerGroupHandler struct {
	handler MessageHandler
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(msg.Topic, msg.Partition, msg.Offset, msg.Key, msg.Value); err != nil {
			// 继续处理下一条，不中断
			log.Printf("[Kafka] handle error: topic=%s, offset=%d, err=%v", msg.Topic, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
