package proposal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/notify"
	"github.com/BaSui01/agentgov/internal/idempotency"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 提案流程配置
type Config struct {
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	DispatchKeyTTL time.Duration `yaml:"dispatch_key_ttl" json:"dispatch_key_ttl"`
	// Recipient 接收提案通知
	Recipient string `yaml:"recipient" json:"recipient"`
}

// DefaultConfig 返回流程默认配置
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		SweepInterval:  time.Minute,
		DispatchKeyTTL: 7 * 24 * time.Hour,
		Recipient:      "approvers",
	}
}

// SystemActor 过期决定的操作者
const SystemActor = "system"

// Tracker 跟踪派发出去的执行直到结束。Expect 在派发前调用。
type Tracker interface {
	Expect(agentID, key string, source types.EpisodeSource) *execution.Expectation
}

// Option 配置 Manager
type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithTracker(t Tracker) Option { return func(m *Manager) { m.tracker = t } }

func WithEpisodeRecorder(r execution.EpisodeRecorder) Option {
	return func(m *Manager) { m.episodes = r }
}

func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// Manager 执行 INTERN 层级动作的异步审批协议。不阻塞等待人工：
// Create 立即返回，审批人答复时再调用 Decide。
type Manager struct {
	store    Store
	runtime  execution.Runtime
	idem     idempotency.Manager
	audit    audit.Log
	notifier notify.Notifier
	tracker  Tracker
	episodes execution.EpisodeRecorder
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 创建提案管理器
func NewManager(store Store, runtime execution.Runtime, idem idempotency.Manager, auditLog audit.Log, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DispatchKeyTTL <= 0 {
		cfg.DispatchKeyTTL = def.DispatchKeyTTL
	}
	if cfg.Recipient == "" {
		cfg.Recipient = def.Recipient
	}
	m := &Manager{
		store:   store,
		runtime: runtime,
		idem:    idem,
		audit:   auditLog,
		logger:  logger.With(zap.String("component", "proposal")),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 为 req 持久化一个 PENDING 提案
func (m *Manager) Create(ctx context.Context, req types.ActionRequest, tier types.MaturityTier) (*Proposal, error) {
	now := m.now().UTC()
	p := &Proposal{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Request:   req,
		Tier:      tier,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if err := m.store.Create(ctx, p); err != nil {
		return nil, err
	}
	m.appendAudit(ctx, audit.Entry{
		AgentID:   p.AgentID,
		EventType: audit.EventProposalCreated,
		RefID:     p.ID,
		After:     p,
	})
	m.metrics.RecordProposal(string(StatusPending))
	notify.Send(ctx, m.notifier, m.logger, m.cfg.Recipient, notify.Notification{
		Kind:    notify.KindProposalCreated,
		AgentID: p.AgentID,
		RefID:   p.ID,
		Message: "action awaiting approval",
		Data:    p,
	})

	m.logger.Info("proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("agent_id", p.AgentID),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return p, nil
}

// Get 返回一个提案
func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	p, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, types.NewNotFoundError("proposal", id)
	}
	return p, err
}

// List 返回匹配 f 的提案
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Proposal, error) {
	return m.store.List(ctx, f)
}

// Decide 批准或拒绝 PENDING 提案。已终结或已过期的提案返回冲突且不派发。
// 批准以提案 ID 为键恰好派发一次。
func (m *Manager) Decide(ctx context.Context, id string, approve bool, decidedBy, comment string) (*Proposal, error) {
	if strings.TrimSpace(decidedBy) == "" {
		return nil, types.NewValidationError("decided_by is required")
	}
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, types.NewConflictError("proposal %s is already %s", id, p.Status)
	}

	now := m.now().UTC()
	if !now.Before(p.ExpiresAt) {
		m.expire(ctx, p, now)
		return nil, types.NewConflictError("proposal %s expired at %s", id, p.ExpiresAt.Format(time.RFC3339))
	}

	to, event := StatusRejected, audit.EventProposalRejected
	if approve {
		to, event = StatusApproved, audit.EventProposalApproved
	}
	ok, err := m.store.CompareAndSwapStatus(ctx, id, StatusPending, Transition{
		Status: to, DecidedAt: now, DecidedBy: decidedBy, Comment: comment,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, types.NewConflictError("proposal %s is already %s", id, cur.Status)
	}

	before := p.Status
	p.Status, p.DecidedAt, p.DecidedBy, p.Comment = to, &now, decidedBy, comment
	m.appendAudit(ctx, audit.Entry{
		AgentID:   p.AgentID,
		EventType: event,
		Actor:     decidedBy,
		RefID:     p.ID,
		Before:    map[string]Status{"status": before},
		After:     p,
	})
	m.metrics.RecordProposal(string(to))
	notify.Send(ctx, m.notifier, m.logger, m.cfg.Recipient, notify.Notification{
		Kind:    notify.KindProposalDecided,
		AgentID: p.AgentID,
		RefID:   p.ID,
		Message: "proposal " + strings.ToLower(string(to)) + " by " + decidedBy,
	})
	m.logger.Info("proposal decided",
		zap.String("proposal_id", id),
		zap.String("status", string(to)),
		zap.String("decided_by", decidedBy),
	)

	if !approve {
		m.recordRejection(ctx, p, now)
		return p, nil
	}
	return m.dispatch(ctx, p)
}

// Redispatch 重试首次派发失败的 APPROVED 提案，不会启动第二次执行。
func (m *Manager) Redispatch(ctx context.Context, id string) (*Proposal, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, types.NewConflictError("proposal %s is %s, not APPROVED", id, p.Status)
	}
	if p.DispatchHandle != "" {
		return p, nil
	}
	return m.dispatch(ctx, p)
}

func (m *Manager) dispatch(ctx context.Context, p *Proposal) (*Proposal, error) {
	var expect *execution.Expectation
	if m.tracker != nil {
		expect = m.tracker.Expect(p.AgentID, p.ID, types.EpisodeProposal)
	}
	h, executed, err := idempotency.Do(ctx, m.idem, "proposal:"+p.ID, m.cfg.DispatchKeyTTL,
		func(ctx context.Context) (execution.Handle, error) {
			return m.runtime.Dispatch(ctx, p.Request, p.ID)
		})
	if err != nil {
		expect.Cancel()
		m.appendAudit(ctx, audit.Entry{
			AgentID:   p.AgentID,
			EventType: audit.EventDispatchFailed,
			RefID:     p.ID,
			After:     map[string]string{"error": err.Error()},
		})
		m.logger.Error("approved proposal dispatch failed", zap.String("proposal_id", p.ID), zap.Error(err))
		if errors.Is(err, idempotency.ErrInFlight) {
			return nil, types.NewConflictError("dispatch of proposal %s already in flight", p.ID)
		}
		return nil, types.NewUpstreamError("dispatch approved proposal "+p.ID, err)
	}

	if executed {
		expect.Bind(h)
	} else {
		expect.Cancel()
	}
	if p.DispatchHandle == "" {
		if err := m.store.SetDispatchHandle(ctx, p.ID, h.ID); err != nil {
			m.logger.Error("store dispatch handle failed", zap.String("proposal_id", p.ID), zap.Error(err))
		}
		m.appendAudit(ctx, audit.Entry{
			AgentID:   p.AgentID,
			EventType: audit.EventTriggerDispatched,
			Actor:     p.DecidedBy,
			RefID:     p.ID,
			After:     h,
		})
	}
	p.DispatchHandle = h.ID
	m.logger.Info("approved proposal dispatched",
		zap.String("proposal_id", p.ID),
		zap.String("handle_id", h.ID),
		zap.Bool("first_dispatch", executed),
	)
	return p, nil
}

// recordRejection 把被拒绝的提案计为一次被干预的任务
func (m *Manager) recordRejection(ctx context.Context, p *Proposal, at time.Time) {
	if m.episodes == nil {
		return
	}
	_, err := m.episodes.RecordEpisode(ctx, types.EpisodeOutcome{
		AgentID:         p.AgentID,
		HumanIntervened: true,
		ComplianceScore: 0,
		Source:          types.EpisodeProposal,
		RefID:           p.ID,
		At:              at,
	})
	if err != nil {
		m.logger.Error("record rejection episode failed", zap.String("proposal_id", p.ID), zap.Error(err))
	}
}

// =============================================================================
// 过期
// =============================================================================

// Sweep 使所有已过截止时间的 PENDING 提案过期
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.List(ctx, ListFilter{Status: StatusPending, ExpiresBefore: now.Add(time.Nanosecond)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range due {
		if m.expire(ctx, p, now) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("proposals expired", zap.Int("count", n))
	}
	return n, nil
}

func (m *Manager) expire(ctx context.Context, p *Proposal, now time.Time) bool {
	ok, err := m.store.CompareAndSwapStatus(ctx, p.ID, StatusPending, Transition{
		Status: StatusExpired, DecidedAt: now.UTC(), DecidedBy: SystemActor,
	})
	if err != nil {
		m.logger.Error("expire proposal failed", zap.String("proposal_id", p.ID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	m.appendAudit(ctx, audit.Entry{
		AgentID:   p.AgentID,
		EventType: audit.EventProposalExpired,
		Actor:     SystemActor,
		RefID:     p.ID,
		Before:    map[string]Status{"status": StatusPending},
		After:     map[string]any{"status": StatusExpired, "expires_at": p.ExpiresAt},
	})
	m.metrics.RecordProposal(string(StatusExpired))
	notify.Send(ctx, m.notifier, m.logger, m.cfg.Recipient, notify.Notification{
		Kind:    notify.KindProposalExpired,
		AgentID: p.AgentID,
		RefID:   p.ID,
		Message: "proposal expired without a decision",
	})
	return true
}

// Start 运行过期清理，直到 Stop 或 ctx 结束
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	stop := m.stopCh

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx, m.now().UTC()); err != nil {
					m.logger.Warn("proposal sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止清理并等待退出
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// appendAudit 不让调用方失败，状态变更已经发生
func (m *Manager) appendAudit(ctx context.Context, e audit.Entry) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Append(ctx, e); err != nil {
		m.logger.Error("audit append failed",
			zap.String("event", string(e.EventType)),
			zap.String("ref_id", e.RefID),
			zap.Error(err),
		)
	}
}
