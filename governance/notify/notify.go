// Package notify 向审批人与监督人投递提案、会话与考试通知。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind 通知类别
type Kind string

const (
	KindProposalCreated  Kind = "proposal_created"
	KindProposalDecided  Kind = "proposal_decided"
	KindProposalExpired  Kind = "proposal_expired"
	KindSessionStalled   Kind = "session_stalled"
	KindSessionAnomaly   Kind = "session_anomaly"
	KindGraduationResult Kind = "graduation_result"
)

// Notification 发给人工接收者的消息
type Notification struct {
	Kind    Kind      `json:"kind"`
	AgentID string    `json:"agent_id"`
	RefID   string    `json:"ref_id,omitempty"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier 投递通知，尽力而为
type Notifier interface {
	Notify(ctx context.Context, recipient string, n Notification) error
}

// Send 在后台投递 n，失败只记录日志不返回
func Send(ctx context.Context, notifier Notifier, logger *zap.Logger, recipient string, n Notification) {
	if notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := notifier.Notify(ctx, recipient, n); err != nil && logger != nil {
			logger.Warn("notification failed",
				zap.String("kind", string(n.Kind)),
				zap.String("recipient", recipient),
				zap.String("ref_id", n.RefID),
				zap.Error(err),
			)
		}
	}()
}

// =============================================================================
// 实现
// =============================================================================

// LogNotifier 把通知写入日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建 LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (l *LogNotifier) Notify(_ context.Context, recipient string, n Notification) error {
	l.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("kind", string(n.Kind)),
		zap.String("agent_id", n.AgentID),
		zap.String("ref_id", n.RefID),
		zap.String("message", n.Message),
	)
	return nil
}

// DefaultChannelPrefix 按接收者划分的 pub/sub 频道前缀
const DefaultChannelPrefix = "agentgov:notify:"

// RedisNotifier 在 prefix+recipient 频道上发布通知
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier 创建 RedisNotifier
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

func (r *RedisNotifier) Notify(ctx context.Context, recipient string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+recipient, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Multi 向每个通知器投递并合并错误
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipient string, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, recipient, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
