package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogRuntime 把派发写入日志并立即确认所有控制，
// 用于没有 worker 集群的开发环境。
type LogRuntime struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]Handle
}

// NewLogRuntime 创建 LogRuntime
func NewLogRuntime(logger *zap.Logger) *LogRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRuntime{
		logger:  logger.With(zap.String("component", "log_runtime")),
		handles: make(map[string]Handle),
	}
}

func (r *LogRuntime) Name() string { return "log" }

func (r *LogRuntime) Dispatch(_ context.Context, req types.ActionRequest, key string) (Handle, error) {
	if key == "" {
		key = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		return h, nil
	}
	h := Handle{ID: key, AgentID: req.AgentID, Runtime: r.Name(), DispatchedAt: time.Now().UTC()}
	r.handles[key] = h

	r.logger.Info("action dispatched",
		zap.String("handle_id", h.ID),
		zap.String("agent_id", req.AgentID),
		zap.Int("complexity", int(req.Complexity)),
		zap.String("trigger", string(req.TriggerSource)),
	)
	return h, nil
}

func (r *LogRuntime) Cancel(_ context.Context, h Handle) error {
	r.logger.Info("execution cancelled", zap.String("handle_id", h.ID))
	return nil
}

func (r *LogRuntime) Pause(_ context.Context, h Handle) error {
	r.logger.Info("execution paused", zap.String("handle_id", h.ID))
	return nil
}

func (r *LogRuntime) Resume(_ context.Context, h Handle) error {
	r.logger.Info("execution resumed", zap.String("handle_id", h.ID))
	return nil
}

func (r *LogRuntime) Correct(_ context.Context, h Handle, payload json.RawMessage) error {
	r.logger.Info("execution corrected", zap.String("handle_id", h.ID), zap.Int("payload_bytes", len(payload)))
	return nil
}
