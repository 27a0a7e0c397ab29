// Package execution 定义治理层与 Agent 运行时之间的派发、控制与回调契约。
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// ErrNotAcknowledged 运行时在 context 截止前未确认取消时由 Cancel 返回
var ErrNotAcknowledged = errors.New("cancellation not acknowledged")

// Handle 标识一次已派发的执行
type Handle struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Runtime      string    `json:"runtime"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Runtime 执行已授权的动作。Dispatch 发出即返回，完成结果稍后经 Observer 到达。
// 相同幂等键的重复 Dispatch 不得启动第二次执行。
type Runtime interface {
	Name() string
	Dispatch(ctx context.Context, req types.ActionRequest, idempotencyKey string) (Handle, error)
	// Cancel 请求运行时停止，并等待确认直到 ctx 结束。
	Cancel(ctx context.Context, h Handle) error
}

// Controllable 由支持监督控制的运行时实现
type Controllable interface {
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error
	Correct(ctx context.Context, h Handle, payload json.RawMessage) error
}

// EventKind 运行时回调类别
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event 一次运行时回调
type Event struct {
	HandleID string          `json:"handle_id"`
	Kind     EventKind       `json:"kind"`
	Progress float64         `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	// Compliance 整个执行观测到的合规度，完成时上报
	Compliance        *float64  `json:"compliance,omitempty"`
	CriticalViolation bool      `json:"critical_violation,omitempty"`
	At                time.Time `json:"at"`
}

// Observer 接收运行时回调
type Observer interface {
	OnProgress(ctx context.Context, ev Event)
	OnComplete(ctx context.Context, ev Event)
	OnError(ctx context.Context, ev Event)
}

// Deliver 调用与 ev.Kind 对应的 Observer 方法
func Deliver(ctx context.Context, o Observer, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	switch ev.Kind {
	case EventComplete:
		o.OnComplete(ctx, ev)
	case EventError:
		o.OnError(ctx, ev)
	default:
		o.OnProgress(ctx, ev)
	}
}

// Router 把句柄的回调发给为其注册的观察者，或发给 fallback。
// 终态事件到达时删除注册。
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Observer
	fallback Observer
	logger   *zap.Logger
}

// NewRouter 创建路由器，fallback 可为 nil
func NewRouter(fallback Observer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		routes:   make(map[string]Observer),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "execution_router")),
	}
}

// Register 把 handleID 的回调路由到 o
func (r *Router) Register(handleID string, o Observer) {
	r.mu.Lock()
	r.routes[handleID] = o
	r.mu.Unlock()
}

func (r *Router) registerIfAbsent(handleID string, o Observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[handleID]; ok {
		return false
	}
	r.routes[handleID] = o
	return true
}

// rekey 仅在 from 仍指向 o 时迁移路由；终态回调已消费路由时不做任何事。
func (r *Router) rekey(from, to string, o Observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.routes[from]; !ok || cur != o {
		return false
	}
	delete(r.routes, from)
	r.routes[to] = o
	return true
}

func (r *Router) remove(handleID string, o Observer) {
	r.mu.Lock()
	if cur, ok := r.routes[handleID]; ok && cur == o {
		delete(r.routes, handleID)
	}
	r.mu.Unlock()
}

// Unregister 删除 handleID 的路由
func (r *Router) Unregister(handleID string) {
	r.mu.Lock()
	delete(r.routes, handleID)
	r.mu.Unlock()
}

func (r *Router) lookup(handleID string, terminal bool) Observer {
	if terminal {
		r.mu.Lock()
		defer r.mu.Unlock()
		o, ok := r.routes[handleID]
		delete(r.routes, handleID)
		if ok {
			return o
		}
		return r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.routes[handleID]; ok {
		return o
	}
	return r.fallback
}

func (r *Router) OnProgress(ctx context.Context, ev Event) {
	if o := r.lookup(ev.HandleID, false); o != nil {
		o.OnProgress(ctx, ev)
		return
	}
	r.logger.Debug("progress for unrouted handle", zap.String("handle_id", ev.HandleID))
}

func (r *Router) OnComplete(ctx context.Context, ev Event) {
	if o := r.lookup(ev.HandleID, true); o != nil {
		o.OnComplete(ctx, ev)
		return
	}
	r.logger.Warn("completion for unrouted handle", zap.String("handle_id", ev.HandleID))
}

func (r *Router) OnError(ctx context.Context, ev Event) {
	if o := r.lookup(ev.HandleID, true); o != nil {
		o.OnError(ctx, ev)
		return
	}
	r.logger.Warn("error for unrouted handle", zap.String("handle_id", ev.HandleID), zap.String("message", ev.Message))
}

// Len 返回已注册的路由数
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
