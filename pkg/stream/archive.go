// 文件: pkg/stream/archive.go
// 账本流水归档写入器
//
// 消费 Kafka 流水事件，批量写入归档表:
// - 批量写入提高吞吐
// - INSERT IGNORE 幂等，重复消费无副作用
// - 归档表与 balance_ledger 独立，供分析/风控离线查询

package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maplex.com/pkg/ledger"
)

// =============================================================================
// 归档表模型
// =============================================================================

// ArchiveRecord 流水归档记录
type ArchiveRecord struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	Seq            int64           `gorm:"column:seq"`
	EntryID        string          `gorm:"column:entry_id;type:char(36);uniqueIndex"`
	IdempotencyKey string          `gorm:"column:idempotency_key;type:varchar(128)"`
	UserID         string          `gorm:"column:user_id;type:char(36);index"`
	Asset          string          `gorm:"column:asset;type:varchar(8)"`
	EntryType      string          `gorm:"column:entry_type;type:varchar(32)"`
	Field          string          `gorm:"column:field;type:varchar(16)"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(46,18)"`
	BalanceAfter   decimal.Decimal `gorm:"column:balance_after;type:decimal(46,18)"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (ArchiveRecord) TableName() string {
	return "ledger_archive"
}

// =============================================================================
// ArchiveWriter - 归档写入器
// =============================================================================

// ArchiveWriterConfig 配置
type ArchiveWriterConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultArchiveWriterConfig 默认配置
func DefaultArchiveWriterConfig(brokers []string) ArchiveWriterConfig {
	return ArchiveWriterConfig{
		Brokers:       brokers,
		GroupID:       "ledger_archive_writer",
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// ArchiveWriter 流水归档写入器
type ArchiveWriter struct {
	db       *gorm.DB
	consumer *JournalConsumer

	buffer    []*ArchiveRecord
	bufferMu  sync.Mutex
	batchSize int

	stopCh chan struct{}
	wg     sync.WaitGroup

	cfg ArchiveWriterConfig
}

// NewArchiveWriter 创建归档写入器
func NewArchiveWriter(cfg ArchiveWriterConfig, db *gorm.DB) (*ArchiveWriter, error) {
	w := &ArchiveWriter{
		db:        db,
		buffer:    make([]*ArchiveRecord, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		stopCh:    make(chan struct{}),
		cfg:       cfg,
	}

	consumer, err := NewJournalConsumer(ConsumerConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topics:  []string{TopicJournal},
	}, w.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	w.consumer = consumer

	return w, nil
}

// Start 启动消费与定时刷盘
func (w *ArchiveWriter) Start() {
	w.consumer.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flush()
			case <-w.stopCh:
				w.flush()
				return
			}
		}
	}()
}

// Stop 停止
func (w *ArchiveWriter) Stop() error {
	err := w.consumer.Stop()
	close(w.stopCh)
	w.wg.Wait()
	return err
}

// handleMessage 处理单条消息
func (w *ArchiveWriter) handleMessage(topic string, partition int32, offset int64, key, value []byte) error {
	var event ledger.JournalEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("unmarshal journal event: %w", err)
	}

	record := &ArchiveRecord{
		Seq:            event.Seq,
		EntryID:        event.EntryID,
		IdempotencyKey: event.IdempotencyKey,
		UserID:         event.UserID,
		Asset:          event.Asset,
		EntryType:      string(event.EntryType),
		Field:          string(event.Field),
		Amount:         event.Amount,
		BalanceAfter:   event.BalanceAfter,
		CreatedAt:      event.CreatedAt,
	}

	w.bufferMu.Lock()
	w.buffer = append(w.buffer, record)
	shouldFlush := len(w.buffer) >= w.batchSize
	w.bufferMu.Unlock()

	if shouldFlush {
		w.flush()
	}
	return nil
}

// flush 批量写入归档表
func (w *ArchiveWriter) flush() {
	w.bufferMu.Lock()
	if len(w.buffer) == 0 {
		w.bufferMu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]*ArchiveRecord, 0, w.batchSize)
	w.bufferMu.Unlock()

	// INSERT IGNORE 效果，entry_id 唯一索引兜底幂等
	err := w.db.Clauses(clause.Insert{Modifier: "IGNORE"}).
		CreateInBatches(batch, 100).
		Error
	if err != nil {
		log.Printf("[Archive] flush failed: n=%d, err=%v", len(batch), err)
	}
}
