package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryLog 把审计轨迹保存在进程内存中
type MemoryLog struct {
	mu      sync.RWMutex
	byAgent map[string][]*Record
	logger  *zap.Logger
	now     func() time.Time
}

// NewMemoryLog 创建空的内存审计日志
func NewMemoryLog(logger *zap.Logger) *MemoryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLog{
		byAgent: make(map[string][]*Record),
		logger:  logger.With(zap.String("component", "audit")),
		now:     time.Now,
	}
}

// Append 实现 Log
func (l *MemoryLog) Append(_ context.Context, e Entry) (*Record, error) {
	before, err := encodeState(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := encodeState(e.After)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		AgentID:     e.AgentID,
		EventType:   e.EventType,
		Actor:       e.Actor,
		RefID:       e.RefID,
		BeforeState: before,
		AfterState:  after,
	}

	l.mu.Lock()
	chain := l.byAgent[e.AgentID]
	var prev *Record
	if len(chain) > 0 {
		prev = chain[len(chain)-1]
	}
	seal(rec, prev, l.now())
	l.byAgent[e.AgentID] = append(chain, rec)
	l.mu.Unlock()

	l.logger.Debug("audit record appended",
		zap.String("agent_id", rec.AgentID),
		zap.Uint64("seq", rec.Seq),
		zap.String("event", string(rec.EventType)),
	)

	cp := *rec
	return &cp, nil
}

// Query 实现 Log
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var agents []string
	if f.AgentID != "" {
		agents = []string{f.AgentID}
	} else {
		for id := range l.byAgent {
			agents = append(agents, id)
		}
		sort.Strings(agents)
	}

	var out []*Record
	for _, id := range agents {
		for _, r := range l.byAgent[id] {
			if !f.matches(r) {
				continue
			}
			cp := *r
			out = append(out, &cp)
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}
