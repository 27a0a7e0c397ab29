package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（依赖不可达，直接拒绝）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值
	Threshold int `yaml:"threshold" json:"threshold"`

	// Timeout 单次调用超时时间
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ResetTimeout 从 Open 进入 HalfOpen 的等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的探测请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange 状态变更回调（异步执行）
	OnStateChange func(from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          2 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker guards calls to a governance dependency. While open, calls fail
// immediately so callers can fall back to a closed decision.
type Breaker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             State
	failureCount      int
	openedAt          time.Time
	halfOpenCallCount int
}

// New 创建熔断器，零值配置项回退到默认值
func New(config Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call runs fn with a per-call deadline and records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(b, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is the typed form of Breaker.Call.
func Execute[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	result, err := fn(callCtx)
	b.afterCall(err == nil || !countsAsFailure(ctx, err))
	if err != nil {
		return zero, err
	}
	return result, nil
}

// countsAsFailure 业务错误与调用方取消不计入熔断失败
func countsAsFailure(parent context.Context, err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrValidation, types.ErrNotFound, types.ErrConflict:
		return false
	}
	if errors.Is(err, context.Canceled) && parent.Err() != nil {
		return false
	}
	return true
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.halfOpenCallCount = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state == StateHalfOpen {
			b.logger.Info("dependency recovered", zap.Int("half_open_calls", b.halfOpenCallCount))
			b.setState(StateClosed)
		}
		b.failureCount = 0
		b.halfOpenCallCount = 0
		return
	}

	b.failureCount++
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("probe failed, circuit reopened")
		b.openedAt = b.now()
		b.halfOpenCallCount = 0
		b.setState(StateOpen)
	}
}

// setState 设置状态并触发回调（调用方持锁）
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil && from != to {
		go b.config.OnStateChange(from, to)
	}
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("circuit reset", zap.String("from_state", b.state.String()))
	b.setState(StateClosed)
	b.failureCount = 0
	b.halfOpenCallCount = 0
}
