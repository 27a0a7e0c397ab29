// MockEpisodeRecorder 情节结果记录的测试模拟实现。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentgov/types"
)

// MockEpisodeRecorder 记录所有情节结果
type MockEpisodeRecorder struct {
	mu       sync.Mutex
	outcomes []types.EpisodeOutcome
}

// NewMockEpisodeRecorder 创建新的 MockEpisodeRecorder
func NewMockEpisodeRecorder() *MockEpisodeRecorder {
	return &MockEpisodeRecorder{}
}

func (m *MockEpisodeRecorder) RecordEpisode(_ context.Context, o types.EpisodeOutcome) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return &types.Agent{ID: o.AgentID}, nil
}

// Outcomes 返回记录的情节结果
func (m *MockEpisodeRecorder) Outcomes() []types.EpisodeOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.EpisodeOutcome(nil), m.outcomes...)
}
