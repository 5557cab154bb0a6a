// Package kafka 变化与失效事件发布
//
// Topic:
//
//  1. tracker-dataset-changed   数据集快照变化，Partition Key: hash_type，消息格式: model.DatasetChangedEvent
//  2. tracker-cache-invalidated 缓存失效，Partition Key: pattern，消息格式: model.CacheInvalidatedEvent
//
// 下游重算服务订阅上述 topic。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

const (
	// TopicDatasetChanged 数据集变化
	TopicDatasetChanged = "tracker-dataset-changed"
	// TopicCacheInvalidated 缓存失效
	TopicCacheInvalidated = "tracker-cache-invalidated"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	config.Producer.RequiredAcks = cfg.RequiredAcks
	if cfg.RequiredAcks == 0 {
		config.Producer.RequiredAcks = sarama.WaitForAll
	}
	config.Producer.Retry.Max = cfg.MaxRetries
	if cfg.MaxRetries == 0 {
		config.Producer.Retry.Max = 3
	}
	config.Producer.Retry.Backoff = cfg.RetryBackoff
	if cfg.RetryBackoff == 0 {
		config.Producer.Retry.Backoff = 100 * time.Millisecond
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerFromSync(producer, logger), nil
}

// NewProducerFromSync 包装已有的 SyncProducer
func NewProducerFromSync(producer sarama.SyncProducer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{producer: producer, logger: logger.Named("kafka_producer")}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

func (p *Producer) send(topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, err == nil)
	if err != nil {
		p.logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	p.logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishDatasetChanged(ctx context.Context, event *model.DatasetChangedEvent) error
	PublishCacheInvalidated(ctx context.Context, event *model.CacheInvalidatedEvent) error
}

var (
	_ EventPublisher = (*Producer)(nil)
	_ EventPublisher = NoopPublisher{}
)

// PublishDatasetChanged 发布数据集变化事件
func (p *Producer) PublishDatasetChanged(_ context.Context, event *model.DatasetChangedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(TopicDatasetChanged, event.HashType, data)
}

// PublishCacheInvalidated 发布缓存失效事件
func (p *Producer) PublishCacheInvalidated(_ context.Context, event *model.CacheInvalidatedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(TopicCacheInvalidated, event.Pattern, data)
}

// NoopPublisher 未配置 Kafka 时使用
type NoopPublisher struct{}

func (NoopPublisher) PublishDatasetChanged(context.Context, *model.DatasetChangedEvent) error {
	return nil
}

func (NoopPublisher) PublishCacheInvalidated(context.Context, *model.CacheInvalidatedEvent) error {
	return nil
}
