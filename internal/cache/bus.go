package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 📣 权限缓存失效广播
// =============================================================================

// DefaultInvalidationChannel 默认的失效广播频道
const DefaultInvalidationChannel = "agentgov:permission:invalidate"

// Invalidation 一条失效消息：agent 的配置版本已推进到 Version
type Invalidation struct {
	AgentID string `json:"agent_id"`
	Version uint64 `json:"version"`
	Origin  string `json:"origin"`
}

// InvalidationBus 通过 Redis pub/sub 在多个引擎实例间传播权限缓存失效
type InvalidationBus struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *zap.Logger
}

// NewInvalidationBus 创建广播总线；nodeID 用于忽略本实例发出的消息
func NewInvalidationBus(client *redis.Client, channel, nodeID string, logger *zap.Logger) *InvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationBus{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		logger:  logger.With(zap.String("component", "invalidation_bus")),
	}
}

// Publish 广播 agent 的新配置版本
func (b *InvalidationBus) Publish(ctx context.Context, agentID string, version uint64) error {
	data, err := json.Marshal(Invalidation{AgentID: agentID, Version: version, Origin: b.nodeID})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Run 订阅频道并对每条远端消息调用 handler，直到 ctx 取消
func (b *InvalidationBus) Run(ctx context.Context, handler func(Invalidation)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// 等待订阅确认，保证 Run 返回前后发布的消息不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("invalidation bus subscribed", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.logger.Warn("malformed invalidation message", zap.Error(err))
				continue
			}
			if inv.Origin == b.nodeID {
				continue
			}
			handler(inv)
		}
	}
}
