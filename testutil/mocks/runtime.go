// MockRuntime 执行运行时的测试模拟实现。
//
// 支持按幂等键去重、注入派发/取消错误与调用记录。
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
)

// --- MockRuntime 结构 ---

// CancelFunc 取消行为函数
type CancelFunc func(ctx context.Context, h execution.Handle) error

// DispatchHook 在派发成功、Dispatch 返回之前调用，可用于模拟同步完成的运行时
type DispatchHook func(ctx context.Context, h execution.Handle)

// ControlCall 记录一次控制调用
type ControlCall struct {
	Op       string
	HandleID string
	Payload  json.RawMessage
}

// MockRuntime 是 execution.Runtime 与 execution.Controllable 的模拟实现
type MockRuntime struct {
	mu sync.Mutex

	handles    map[string]execution.Handle
	dispatches []types.ActionRequest
	controls   []ControlCall

	dispatchErr error
	cancelFn    CancelFunc
	onDispatch  DispatchHook
}

// NewMockRuntime 创建新的 MockRuntime
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{handles: make(map[string]execution.Handle)}
}

// --- Builder 方法 ---

// WithDispatchError 设置派发错误；传 nil 恢复正常
func (m *MockRuntime) WithDispatchError(err error) *MockRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchErr = err
	return m
}

// WithCancel 设置取消行为
func (m *MockRuntime) WithCancel(fn CancelFunc) *MockRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelFn = fn
	return m
}

// WithOnDispatch 设置派发钩子
func (m *MockRuntime) WithOnDispatch(fn DispatchHook) *MockRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDispatch = fn
	return m
}

// --- execution.Runtime 实现 ---

func (m *MockRuntime) Name() string { return "mock" }

func (m *MockRuntime) Dispatch(ctx context.Context, req types.ActionRequest, key string) (execution.Handle, error) {
	m.mu.Lock()
	if m.dispatchErr != nil {
		err := m.dispatchErr
		m.mu.Unlock()
		return execution.Handle{}, err
	}
	if h, ok := m.handles[key]; ok && key != "" {
		m.mu.Unlock()
		return h, nil
	}
	if key == "" {
		key = uuid.NewString()
	}
	h := execution.Handle{ID: key, AgentID: req.AgentID, Runtime: m.Name(), DispatchedAt: time.Now().UTC()}
	m.handles[key] = h
	m.dispatches = append(m.dispatches, req)
	hook := m.onDispatch
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, h)
	}
	return h, nil
}

func (m *MockRuntime) Cancel(ctx context.Context, h execution.Handle) error {
	m.mu.Lock()
	fn := m.cancelFn
	m.controls = append(m.controls, ControlCall{Op: "cancel", HandleID: h.ID})
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, h)
	}
	return nil
}

func (m *MockRuntime) Pause(_ context.Context, h execution.Handle) error {
	return m.control("pause", h, nil)
}

func (m *MockRuntime) Resume(_ context.Context, h execution.Handle) error {
	return m.control("resume", h, nil)
}

func (m *MockRuntime) Correct(_ context.Context, h execution.Handle, payload json.RawMessage) error {
	return m.control("correct", h, payload)
}

func (m *MockRuntime) control(op string, h execution.Handle, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, ControlCall{Op: op, HandleID: h.ID, Payload: payload})
	return nil
}

// --- 断言辅助 ---

// DispatchCount 返回实际派发（去重后）的次数
func (m *MockRuntime) DispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatches)
}

// Controls 返回控制调用记录
func (m *MockRuntime) Controls() []ControlCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ControlCall(nil), m.controls...)
}
