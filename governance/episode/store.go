// Package episode 保存任务结果历史，供毕业考试回放。
package episode

import (
	"context"
	"sync"

	"github.com/BaSui01/agentgov/types"
)

// Store 智能体任务结果的历史
type Store interface {
	// Append 记录一条结果，实现需加入 ctx 携带的事务。
	Append(ctx context.Context, outcome types.EpisodeOutcome) error

	// Recent 返回智能体最近最多 n 条结果，最新在前
	Recent(ctx context.Context, agentID string, n int) ([]types.EpisodeOutcome, error)
}

// MemoryStore 进程内历史存储
type MemoryStore struct {
	mu       sync.RWMutex
	byAgent  map[string][]types.EpisodeOutcome
	capacity int
}

// NewMemoryStore 创建每个智能体最多保留 capacity 条结果的存储，
// capacity <= 0 表示全部保留。
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{byAgent: make(map[string][]types.EpisodeOutcome), capacity: capacity}
}

func (s *MemoryStore) Append(_ context.Context, outcome types.EpisodeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.byAgent[outcome.AgentID], outcome)
	if s.capacity > 0 && len(h) > s.capacity {
		h = append(h[:0:0], h[len(h)-s.capacity:]...)
	}
	s.byAgent[outcome.AgentID] = h
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, agentID string, n int) ([]types.EpisodeOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.byAgent[agentID]
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]types.EpisodeOutcome, 0, n)
	for i := len(h) - 1; i >= len(h)-n; i-- {
		out = append(out, h[i])
	}
	return out, nil
}
