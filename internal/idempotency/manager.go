package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrInFlight 表示同一幂等键的操作正由其他调用方执行
var ErrInFlight = errors.New("idempotent operation already in flight")

const (
	statePending = "pending"
	stateDone    = "done"
)

// record 存储在后端的幂等记录
type record struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Manager 幂等性管理器接口
// 调用方先 Claim 一个键，成功执行后 Complete，失败则 Release 以允许重试
type Manager interface {
	// Claim 原子地占用键；键已被占用或已完成时返回 false
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Complete 记录键的最终结果
	Complete(ctx context.Context, key string, result any, ttl time.Duration) error

	// Get 返回已完成键的结果
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Release 释放未完成的占用
	Release(ctx context.Context, key string) error
}

// =============================================================================
// Redis 实现
// =============================================================================

type redisManager struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等性管理器，多个实例共享同一键空间
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "agentgov:idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		redis:  client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (m *redisManager) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	data, _ := json.Marshal(record{State: statePending})
	ok, err := m.redis.SetNX(ctx, m.prefix+key, data, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	m.logger.Debug("idempotency claim", zap.String("key", key), zap.Bool("claimed", ok))
	return ok, nil
}

func (m *redisManager) Complete(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := encodeDone(result)
	if err != nil {
		return err
	}
	if err := m.redis.Set(ctx, m.prefix+key, data, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.redis.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	return decodeDone(data)
}

// releaseScript deletes the key only while it is still pending.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.find(v, '"state":"pending"', 1, true) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (m *redisManager) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, m.redis, []string{m.prefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// =============================================================================
// 内存实现
// =============================================================================

type memoryEntry struct {
	rec       record
	expiresAt time.Time
}

// MemoryManager keeps claims in process memory.
type MemoryManager struct {
	mu              sync.Mutex
	entries         map[string]*memoryEntry
	logger          *zap.Logger
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewMemoryManager 创建基于内存的幂等性管理器（单实例部署与测试）
func NewMemoryManager(logger *zap.Logger) *MemoryManager {
	return NewMemoryManagerWithCleanup(logger, 5*time.Minute)
}

// NewMemoryManagerWithCleanup 创建带自定义清理间隔的内存管理器
func NewMemoryManagerWithCleanup(logger *zap.Logger, cleanupInterval time.Duration) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryManager{
		entries:         make(map[string]*memoryEntry),
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryManager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryManager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			expired++
		}
	}
	if expired > 0 {
		m.logger.Debug("cleaned up expired idempotency entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(m.entries)))
	}
}

// Close 停止清理 goroutine
func (m *MemoryManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MemoryManager) live(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryManager) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.entries[key] = &memoryEntry{rec: record{State: statePending}, expiresAt: now.Add(normalizeTTL(ttl))}
	return true, nil
}

func (m *MemoryManager) Complete(_ context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{rec: record{State: stateDone, Result: data}, expiresAt: time.Now().Add(normalizeTTL(ttl))}
	return nil
}

func (m *MemoryManager) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, time.Now())
	if !ok || e.rec.State != stateDone {
		return nil, false, nil
	}
	return e.rec.Result, true, nil
}

func (m *MemoryManager) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.rec.State == statePending {
		delete(m.entries, key)
	}
	return nil
}

// =============================================================================
// helpers
// =============================================================================

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}

func encodeDone(result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal idempotent result: %w", err)
	}
	return json.Marshal(record{State: stateDone, Result: raw})
}

func decodeDone(data []byte) (json.RawMessage, bool, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.State != stateDone {
		return nil, false, nil
	}
	return rec.Result, true, nil
}
