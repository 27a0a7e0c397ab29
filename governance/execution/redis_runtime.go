package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig RedisQueueRuntime 使用的键名
type RedisConfig struct {
	// Stream 每次派发的动作写入一条
	Stream string `yaml:"stream" json:"stream"`
	// ControlChannel 向 worker 传递 cancel/pause/resume/correct 消息
	ControlChannel string `yaml:"control_channel" json:"control_channel"`
	// EventStream worker 上报进度、完成和错误的流
	EventStream string `yaml:"event_stream" json:"event_stream"`
	// ConsumerGroup 读取 EventStream 的消费组，每个引擎节点都加入
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`
	// KeyPrefix 派发去重键和确认键的命名空间
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	MaxLen    int64         `yaml:"max_len" json:"max_len"`
	DedupTTL  time.Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
	// AckTimeout ctx 无截止时间时 Cancel 的等待上限
	AckTimeout time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
	PollBlock  time.Duration `yaml:"poll_block" json:"poll_block"`
}

// DefaultRedisConfig 返回运行时默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Stream:         "agentgov:executions",
		ControlChannel: "agentgov:executions:control",
		EventStream:    "agentgov:executions:events",
		ConsumerGroup:  "agentgov",
		KeyPrefix:      "agentgov:executions:",
		MaxLen:         100000,
		DedupTTL:       24 * time.Hour,
		AckTimeout:     10 * time.Second,
		PollBlock:      time.Second,
	}
}

// ControlOp 控制消息动词
type ControlOp string

const (
	OpCancel  ControlOp = "cancel"
	OpPause   ControlOp = "pause"
	OpResume  ControlOp = "resume"
	OpCorrect ControlOp = "correct"
)

// ControlMessage 发布在控制频道上。收到 cancel 的 worker 在执行停止后
// 向 AckKey 推入任意值。
type ControlMessage struct {
	Op       ControlOp       `json:"op"`
	HandleID string          `json:"handle_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	AckKey   string          `json:"ack_key,omitempty"`
}

// RedisQueueRuntime 通过 Redis stream 把动作交给外部 worker 集群，
// 并通过 pub/sub 控制它们。
type RedisQueueRuntime struct {
	client *redis.Client
	cfg    RedisConfig
	nodeID string
	logger *zap.Logger
}

// NewRedisQueueRuntime 在 client 上创建运行时。nodeID 是本节点在
// 事件消费组中的消费者名。
func NewRedisQueueRuntime(client *redis.Client, cfg RedisConfig, nodeID string, logger *zap.Logger) *RedisQueueRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRedisConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.ControlChannel == "" {
		cfg.ControlChannel = def.ControlChannel
	}
	if cfg.EventStream == "" {
		cfg.EventStream = def.EventStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = def.ConsumerGroup
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = def.PollBlock
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &RedisQueueRuntime{
		client: client,
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger.With(zap.String("component", "redis_runtime")),
	}
}

func (r *RedisQueueRuntime) Name() string { return "redis" }

// Dispatch 把动作追加到 stream。已派发过的键返回原句柄，
// 不写入第二条 stream 记录。
func (r *RedisQueueRuntime) Dispatch(ctx context.Context, req types.ActionRequest, key string) (Handle, error) {
	if key == "" {
		key = uuid.NewString()
	}
	h := Handle{ID: key, AgentID: req.AgentID, Runtime: r.Name(), DispatchedAt: time.Now().UTC()}
	data, err := json.Marshal(h)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal handle: %w", err)
	}

	dedupKey := r.cfg.KeyPrefix + "dispatch:" + key
	ok, err := r.client.SetNX(ctx, dedupKey, data, r.cfg.DedupTTL).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("claim dispatch %s: %w", key, err)
	}
	if !ok {
		raw, err := r.client.Get(ctx, dedupKey).Bytes()
		if err != nil {
			return Handle{}, fmt.Errorf("load dispatch %s: %w", key, err)
		}
		var prev Handle
		if err := json.Unmarshal(raw, &prev); err != nil {
			return Handle{}, fmt.Errorf("decode dispatch %s: %w", key, err)
		}
		r.logger.Debug("duplicate dispatch suppressed", zap.String("handle_id", key))
		return prev, nil
	}

	payload := string(req.Payload)
	if payload == "" {
		payload = "null"
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		MaxLen: r.cfg.MaxLen,
		Approx: r.cfg.MaxLen > 0,
		Values: map[string]any{
			"handle_id":  h.ID,
			"agent_id":   req.AgentID,
			"complexity": int(req.Complexity),
			"trigger":    string(req.TriggerSource),
			"request_id": req.RequestID,
			"payload":    payload,
			"at":         h.DispatchedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		_ = r.client.Del(context.WithoutCancel(ctx), dedupKey).Err()
		return Handle{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	r.logger.Info("action enqueued",
		zap.String("handle_id", h.ID),
		zap.String("agent_id", req.AgentID),
		zap.Int("complexity", int(req.Complexity)),
	)
	return h, nil
}

// Cancel 发布取消并阻塞到 worker 确认
func (r *RedisQueueRuntime) Cancel(ctx context.Context, h Handle) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AckTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	ackKey := r.cfg.KeyPrefix + "ack:" + h.ID + ":" + uuid.NewString()
	if err := r.publish(ctx, ControlMessage{Op: OpCancel, HandleID: h.ID, AckKey: ackKey}); err != nil {
		return err
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		return fmt.Errorf("cancel %s: %w", h.ID, ErrNotAcknowledged)
	}
	_, err := r.client.BLPop(ctx, wait, ackKey).Result()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil), ctx.Err() != nil, isTimeout(err):
		return fmt.Errorf("cancel %s: %w", h.ID, ErrNotAcknowledged)
	default:
		return fmt.Errorf("await cancel ack %s: %w", h.ID, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (r *RedisQueueRuntime) Pause(ctx context.Context, h Handle) error {
	return r.publish(ctx, ControlMessage{Op: OpPause, HandleID: h.ID})
}

func (r *RedisQueueRuntime) Resume(ctx context.Context, h Handle) error {
	return r.publish(ctx, ControlMessage{Op: OpResume, HandleID: h.ID})
}

func (r *RedisQueueRuntime) Correct(ctx context.Context, h Handle, payload json.RawMessage) error {
	return r.publish(ctx, ControlMessage{Op: OpCorrect, HandleID: h.ID, Payload: payload})
}

func (r *RedisQueueRuntime) publish(ctx context.Context, msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}
	if err := r.client.Publish(ctx, r.cfg.ControlChannel, data).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", msg.Op, msg.HandleID, err)
	}
	return nil
}

// ReportEvent 把 worker 回调追加到事件流
func (r *RedisQueueRuntime) ReportEvent(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.EventStream,
		MaxLen: r.cfg.MaxLen,
		Approx: r.cfg.MaxLen > 0,
		Values: map[string]any{"event": string(data)},
	}).Err()
}

// Consume 通过消费组读取 worker 回调，并按流顺序投递给 o，
// 直到 ctx 结束。
func (r *RedisQueueRuntime) Consume(ctx context.Context, o Observer) error {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.EventStream, r.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	r.logger.Info("consuming execution events",
		zap.String("stream", r.cfg.EventStream),
		zap.String("group", r.cfg.ConsumerGroup),
		zap.String("consumer", r.nodeID),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.ConsumerGroup,
			Consumer: r.nodeID,
			Streams:  []string{r.cfg.EventStream, ">"},
			Count:    100,
			Block:    r.cfg.PollBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("read execution events failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollBlock):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, o, msg)
			}
		}
	}
}

func (r *RedisQueueRuntime) handle(ctx context.Context, o Observer, msg redis.XMessage) {
	defer func() {
		if err := r.client.XAck(ctx, r.cfg.EventStream, r.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
			r.logger.Warn("ack execution event failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}()

	raw, _ := msg.Values["event"].(string)
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.HandleID == "" {
		r.logger.Warn("malformed execution event", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	Deliver(ctx, o, ev)
}
