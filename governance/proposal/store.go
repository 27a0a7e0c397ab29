package proposal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/types"
)

// Status 提案生命周期状态
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal 报告 s 是否不再变化
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Proposal 等待人工审批的动作
type Proposal struct {
	ID             string              `json:"id"`
	AgentID        string              `json:"agent_id"`
	Request        types.ActionRequest `json:"request"`
	Tier           types.MaturityTier  `json:"tier"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	DecidedAt      *time.Time          `json:"decided_at,omitempty"`
	DecidedBy      string              `json:"decided_by,omitempty"`
	Comment        string              `json:"comment,omitempty"`
	DispatchHandle string              `json:"dispatch_handle,omitempty"`
}

func (p *Proposal) clone() *Proposal {
	cp := *p
	cp.Request.Payload = append([]byte(nil), p.Request.Payload...)
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

// ErrNotFound 未知提案 ID
var ErrNotFound = errors.New("proposal not found")

// Transition CompareAndSwapStatus 应用的终态更新
type Transition struct {
	Status    Status
	DecidedAt time.Time
	DecidedBy string
	Comment   string
}

// ListFilter 缩小 Store.List 范围
type ListFilter struct {
	AgentID string
	Status  Status
	// ExpiresBefore 选择截止时间早于该时刻的提案
	ExpiresBefore time.Time
	Limit         int
}

func (f ListFilter) matches(p *Proposal) bool {
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !p.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// Store 持久化提案
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	List(ctx context.Context, f ListFilter) ([]*Proposal, error)
	// CompareAndSwapStatus 仅当存储的状态等于 from 时应用 t
	CompareAndSwapStatus(ctx context.Context, id string, from Status, t Transition) (bool, error)
	SetDispatchHandle(ctx context.Context, id, handle string) error
}

// MemoryStore 进程内 Store 实现
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewMemoryStore 创建空存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Proposal
	for _, p := range s.proposals {
		if f.matches(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from Status, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	at := t.DecidedAt
	p.Status = t.Status
	p.DecidedAt = &at
	p.DecidedBy = t.DecidedBy
	p.Comment = t.Comment
	return true, nil
}

func (s *MemoryStore) SetDispatchHandle(_ context.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	p.DispatchHandle = handle
	return nil
}
