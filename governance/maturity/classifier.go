package maturity

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/permission"
	"github.com/BaSui01/agentgov/internal/circuitbreaker"
	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/internal/keylock"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// Invalidator 智能体配置版本变化时同步收到通知
type Invalidator interface {
	Invalidate(ctx context.Context, agentID string, version uint64)
}

// EpisodeRecorder 接收每条记录的结果，存储支持时与统计更新在同一事务内。
type EpisodeRecorder interface {
	Append(ctx context.Context, outcome types.EpisodeOutcome) error
}

// Config 分类器配置
type Config struct {
	// ComplianceAlpha 最新任务在 EWMA 中的权重
	ComplianceAlpha float64 `yaml:"compliance_alpha" json:"compliance_alpha"`

	// Breaker 保护决策路径上的注册表读取
	Breaker circuitbreaker.Config `yaml:"breaker" json:"breaker"`
}

// DefaultConfig 返回分类器默认配置
func DefaultConfig() Config {
	return Config{
		ComplianceAlpha: 0.1,
		Breaker:         circuitbreaker.DefaultConfig(),
	}
}

// Option 配置 Classifier
type Option func(*Classifier)

// WithTransactor 使每次变更在注册表、审计日志和任务存储间保持原子。
func WithTransactor(tx database.Transactor) Option {
	return func(c *Classifier) { c.tx = tx }
}

// WithEpisodeRecorder 把结果转发到任务历史存储
func WithEpisodeRecorder(r EpisodeRecorder) Option {
	return func(c *Classifier) { c.episodes = r }
}

// WithMetrics 记录任务与层级指标
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Classifier) { c.metrics = m }
}

// Classifier 持有智能体成熟度状态。同一智能体的变更串行执行，
// 不同智能体互不等待。
type Classifier struct {
	registry    Registry
	audit       audit.Log
	tx          database.Transactor
	episodes    EpisodeRecorder
	invalidator Invalidator
	breaker     *circuitbreaker.Breaker
	locks       *keylock.Locker
	metrics     *metrics.Collector
	logger      *zap.Logger
	alpha       float64
	now         func() time.Time
}

// NewClassifier 创建基于 registry 的分类器
func NewClassifier(registry Registry, auditLog audit.Log, cfg Config, logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ComplianceAlpha <= 0 || cfg.ComplianceAlpha > 1 {
		cfg.ComplianceAlpha = DefaultConfig().ComplianceAlpha
	}
	c := &Classifier{
		registry: registry,
		audit:    auditLog,
		tx:       database.NoopTransactor{},
		breaker:  circuitbreaker.New(cfg.Breaker, logger),
		locks:    keylock.New(),
		logger:   logger.With(zap.String("component", "maturity")),
		alpha:    cfg.ComplianceAlpha,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetInvalidator 在构造后接入权限缓存
func (c *Classifier) SetInvalidator(inv Invalidator) {
	c.invalidator = inv
}

// Breaker 暴露注册表熔断器状态，用于健康报告
func (c *Classifier) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// =============================================================================
// 读取
// =============================================================================

// Get 经熔断器加载智能体。未知智能体返回 NOT_FOUND，
// 任何基础设施故障返回 DEGRADED_MODE。
func (c *Classifier) Get(ctx context.Context, id string) (*types.Agent, error) {
	a, err := circuitbreaker.Execute(c.breaker, ctx, func(ctx context.Context) (*types.Agent, error) {
		a, err := c.registry.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, types.NewNotFoundError("agent", id)
		}
		return a, err
	})
	if err != nil {
		if types.IsErrorCode(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, types.NewDegradedModeError("agent registry unavailable", err)
	}
	return a, nil
}

// List 返回已注册的智能体
func (c *Classifier) List(ctx context.Context, f ListFilter) ([]*types.Agent, error) {
	return c.registry.List(ctx, f)
}

// WithAgentLock 持有智能体变更锁运行 fn。fn 不能对同一智能体
// 调用 Classifier 的变更方法。
func (c *Classifier) WithAgentLock(agentID string, fn func() error) error {
	return c.locks.With(agentID, fn)
}

// =============================================================================
// 变更
// =============================================================================

// Register 创建 STUDENT 智能体，能力上限为 STUDENT
func (c *Classifier) Register(ctx context.Context, id, name, actor string) (*types.Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, types.NewValidationError("agent id is required")
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	now := c.now().UTC()
	agent := &types.Agent{
		ID:            id,
		Name:          name,
		Tier:          types.TierStudent,
		Capabilities:  permission.Ceiling(types.TierStudent),
		ConfigVersion: 1,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	agent.ConfidenceScore = RoundScore(Readiness(agent, NextTarget(agent.Tier)))

	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		if err := c.registry.Create(ctx, agent); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return types.NewConflictError("agent %s already registered", id)
			}
			return err
		}
		return c.appendAudit(ctx, audit.Entry{
			AgentID:   id,
			EventType: audit.EventAgentRegistered,
			Actor:     actor,
			After:     stateOf(agent, ""),
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("agent registered", zap.String("agent_id", id), zap.String("actor", actor))
	return agent.Clone(), nil
}

// RecordEpisode 把一次结果计入智能体的累计统计。计数只增不减；
// 合规度是以首个任务为初值的指数加权移动平均。配置版本不变。
func (c *Classifier) RecordEpisode(ctx context.Context, outcome types.EpisodeOutcome) (*types.Agent, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}
	if outcome.At.IsZero() {
		outcome.At = c.now().UTC()
	}
	if outcome.Source == "" {
		outcome.Source = types.EpisodeManual
	}

	var within func(ctx context.Context, a *types.Agent) error
	if c.episodes != nil {
		within = func(ctx context.Context, _ *types.Agent) error {
			return c.episodes.Append(ctx, outcome)
		}
	}

	a, err := c.mutate(ctx, outcome.AgentID, func(a *types.Agent) (*change, error) {
		if a.EpisodeCount == 0 {
			a.ComplianceScore = outcome.ComplianceScore
		} else {
			a.ComplianceScore = c.alpha*outcome.ComplianceScore + (1-c.alpha)*a.ComplianceScore
		}
		a.EpisodeCount++
		if outcome.HumanIntervened {
			a.InterventionCount++
		}
		return &change{event: audit.EventEpisodeRecorded, refID: outcome.RefID, note: string(outcome.Source)}, nil
	}, within)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordEpisode(string(outcome.Source), outcome.HumanIntervened)
	if eligible := TierFor(a); eligible.Rank() > a.Tier.Rank() {
		c.logger.Debug("agent eligible for graduation",
			zap.String("agent_id", a.ID),
			zap.String("tier", string(a.Tier)),
			zap.String("eligible", string(eligible)),
		)
	}
	return a, nil
}

// OverrideTier 以管理方式设置层级，并把能力重置为新层级上限。
func (c *Classifier) OverrideTier(ctx context.Context, id string, tier types.MaturityTier, actor, reason string) (*types.Agent, error) {
	if !tier.Valid() {
		return nil, types.NewValidationError("unknown maturity tier %q", tier)
	}
	var from types.MaturityTier
	a, err := c.mutate(ctx, id, func(a *types.Agent) (*change, error) {
		from = a.Tier
		a.Tier = tier
		a.Capabilities = permission.Ceiling(tier)
		return &change{event: audit.EventTierOverridden, actor: actor, note: reason, bump: true}, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTierTransition(string(from), string(tier), "override")
	c.logger.Warn("tier overridden",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(tier)),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	return a, nil
}

// RestrictCapabilities 缩小智能体能力集，不会超出层级上限。
func (c *Classifier) RestrictCapabilities(ctx context.Context, id string, caps []types.ActionComplexity, actor string) (*types.Agent, error) {
	caps = slices.Clone(caps)
	slices.Sort(caps)
	caps = slices.Compact(caps)
	for _, cp := range caps {
		if !cp.Valid() {
			return nil, types.NewValidationError("complexity %d out of range 1..4", cp)
		}
	}
	return c.mutate(ctx, id, func(a *types.Agent) (*change, error) {
		if !permission.WithinCeiling(a.Tier, caps) {
			return nil, types.NewValidationError("capabilities %v exceed the %s ceiling %v", caps, a.Tier, permission.Ceiling(a.Tier))
		}
		a.Capabilities = caps
		return &change{event: audit.EventCapabilitiesRestricted, actor: actor, bump: true}, nil
	}, nil)
}

// SetActive 停用或重新启用智能体，状态未变化时不写审计
func (c *Classifier) SetActive(ctx context.Context, id string, active bool, actor string) (*types.Agent, error) {
	return c.mutate(ctx, id, func(a *types.Agent) (*change, error) {
		if a.Active == active {
			return nil, nil
		}
		a.Active = active
		event := audit.EventAgentDeactivated
		if active {
			event = audit.EventAgentReactivated
		}
		return &change{event: event, actor: actor, bump: true}, nil
	}, nil)
}

// Promotion 描述一次晋升请求，字段取自考试评分时读到的 Agent 快照。
type Promotion struct {
	From types.MaturityTier
	To   types.MaturityTier
	// ConfigVersion 是评分所依据的配置版本；加锁后版本已变化视为冲突。
	ConfigVersion uint64
	Actor         string
	RefID         string
	// Verify 在锁内以最新统计重新核对晋升条件，返回未满足的原因。
	// 考试期间新记录的任务不递增版本，只能靠它拦截。
	Verify func(a *types.Agent) []string
}

// Promote 在 Agent 锁与单个事务内完成晋升。within 在 Agent 写入后、
// 同一事务内执行，返回错误即回滚。等级、激活状态或配置版本与评分时
// 不一致，或 Verify 返回原因时，返回 ConflictError 且不做任何修改。
func (c *Classifier) Promote(ctx context.Context, id string, p Promotion, within func(ctx context.Context, promoted *types.Agent) error) (*types.Agent, error) {
	from, to := p.From, p.To
	a, err := c.mutate(ctx, id, func(a *types.Agent) (*change, error) {
		if a.Tier != from {
			return nil, types.NewConflictError("agent %s is %s, expected %s", id, a.Tier, from)
		}
		if !a.Active {
			return nil, types.NewConflictError("agent %s was deactivated during the exam", id)
		}
		if a.ConfigVersion != p.ConfigVersion {
			return nil, types.NewConflictError("agent %s changed during the exam: config version %d, scored at %d", id, a.ConfigVersion, p.ConfigVersion)
		}
		if p.Verify != nil {
			if reasons := p.Verify(a); len(reasons) > 0 {
				return nil, types.NewConflictError("agent %s no longer qualifies: %s", id, strings.Join(reasons, "; "))
			}
		}
		a.Tier = to
		a.Capabilities = permission.Ceiling(to)
		return &change{event: audit.EventTierPromoted, actor: p.Actor, refID: p.RefID, bump: true}, nil
	}, within)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTierTransition(string(from), string(to), "graduation")
	c.logger.Info("agent promoted",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Uint64("config_version", a.ConfigVersion),
	)
	return a, nil
}

// =============================================================================
// 内部实现
// =============================================================================

type change struct {
	event audit.EventType
	actor string
	refID string
	note  string
	bump  bool
}

// mutate 持有智能体锁并在单个事务内加载、修改、保存智能体。
// 提交后、释放锁前使权限缓存失效，该智能体的下一次检查看到新版本。
func (c *Classifier) mutate(
	ctx context.Context,
	id string,
	apply func(a *types.Agent) (*change, error),
	within func(ctx context.Context, a *types.Agent) error,
) (*types.Agent, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	var (
		before, after *types.Agent
		ch            *change
	)
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := c.registry.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return types.NewNotFoundError("agent", id)
		}
		if err != nil {
			return err
		}
		before = a.Clone()

		ch, err = apply(a)
		if err != nil || ch == nil {
			return err
		}
		if ch.bump {
			a.ConfigVersion++
		}
		a.ConfidenceScore = RoundScore(Readiness(a, NextTarget(a.Tier)))
		a.UpdatedAt = c.now().UTC()

		if err := c.registry.Update(ctx, a); err != nil {
			return err
		}
		if within != nil {
			if err := within(ctx, a); err != nil {
				return err
			}
		}
		after = a
		return c.appendAudit(ctx, audit.Entry{
			AgentID:   id,
			EventType: ch.event,
			Actor:     ch.actor,
			RefID:     ch.refID,
			Before:    stateOf(before, ""),
			After:     stateOf(a, ch.note),
		})
	})
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return before, nil
	}
	if ch.bump && c.invalidator != nil {
		c.invalidator.Invalidate(ctx, id, after.ConfigVersion)
	}
	return after.Clone(), nil
}

func (c *Classifier) appendAudit(ctx context.Context, e audit.Entry) error {
	if c.audit == nil {
		return nil
	}
	_, err := c.audit.Append(ctx, e)
	return err
}

// agentState 智能体的审计快照
type agentState struct {
	Tier              types.MaturityTier       `json:"tier"`
	ConfigVersion     uint64                   `json:"config_version"`
	Capabilities      []types.ActionComplexity `json:"capabilities"`
	EpisodeCount      int64                    `json:"episode_count"`
	InterventionCount int64                    `json:"intervention_count"`
	ComplianceScore   float64                  `json:"compliance_score"`
	Active            bool                     `json:"active"`
	Note              string                   `json:"note,omitempty"`
}

func stateOf(a *types.Agent, note string) agentState {
	return agentState{
		Tier:              a.Tier,
		ConfigVersion:     a.ConfigVersion,
		Capabilities:      a.Capabilities,
		EpisodeCount:      a.EpisodeCount,
		InterventionCount: a.InterventionCount,
		ComplianceScore:   a.ComplianceScore,
		Active:            a.Active,
		Note:              note,
	}
}
