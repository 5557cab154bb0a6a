package cache

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelInvalidate 默认失效广播频道
const ChannelInvalidate = "eidos:tracker:invalidate"

// InvalidationMessage 失效广播消息
//
//	{"origin":"<instance uuid>","pattern":"holders:*"}
type InvalidationMessage struct {
	Origin  string `json:"origin"`
	Pattern string `json:"pattern"`
}

// InvalidationBus Redis Pub/Sub 跨实例失效广播
type InvalidationBus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.Logger
}

// NewInvalidationBus 创建失效广播
func NewInvalidationBus(client redis.UniversalClient, channel string, logger *zap.Logger) *InvalidationBus {
	if channel == "" {
		channel = ChannelInvalidate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationBus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger.Named("invalidation_bus"),
	}
}

// InstanceID 本实例标识
func (b *InvalidationBus) InstanceID() string {
	return b.instanceID
}

// PublishInvalidation 广播失效
func (b *InvalidationBus) PublishInvalidation(ctx context.Context, pattern string) error {
	data, err := json.Marshal(InvalidationMessage{Origin: b.instanceID, Pattern: pattern})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe 订阅其他实例的失效广播，返回的函数用于停止订阅
func (b *InvalidationBus) Subscribe(ctx context.Context, apply func(ctx context.Context, pattern string)) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(ctx, msg.Payload, apply)
			}
		}
	}()

	return func() {
		_ = ps.Close()
		<-done
	}, nil
}

func (b *InvalidationBus) handle(ctx context.Context, payload string, apply func(ctx context.Context, pattern string)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("invalidation handler panic", zap.Any("panic", r))
		}
	}()

	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("invalid invalidation message", zap.String("payload", payload), zap.Error(err))
		return
	}
	if msg.Origin == b.instanceID || msg.Pattern == "" {
		return
	}
	apply(ctx, msg.Pattern)
}
