package maturity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/BaSui01/agentgov/types"
)

// 注册表错误
var (
	ErrNotFound      = errors.New("agent not found")
	ErrAlreadyExists = errors.New("agent already exists")
)

// ListFilter 缩小 Registry.List 范围
type ListFilter struct {
	Tier       types.MaturityTier
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Registry 持久化智能体，智能体从不删除
type Registry interface {
	Get(ctx context.Context, id string) (*types.Agent, error)
	Create(ctx context.Context, agent *types.Agent) error
	Update(ctx context.Context, agent *types.Agent) error
	List(ctx context.Context, f ListFilter) ([]*types.Agent, error)
}

// MemoryRegistry 进程内 Registry 实现
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
}

// NewMemoryRegistry 创建空注册表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*types.Agent)}
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRegistry) Create(_ context.Context, agent *types.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.ID]; ok {
		return ErrAlreadyExists
	}
	r.agents[agent.ID] = agent.Clone()
	return nil
}

func (r *MemoryRegistry) Update(_ context.Context, agent *types.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.ID]; !ok {
		return ErrNotFound
	}
	r.agents[agent.ID] = agent.Clone()
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, f ListFilter) ([]*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Agent
	for _, a := range r.agents {
		if f.Tier != "" && a.Tier != f.Tier {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, f.Offset, f.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
