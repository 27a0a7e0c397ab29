// Package interceptor 是触发请求进入治理层的唯一入口。
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/proposal"
	"github.com/BaSui01/agentgov/governance/supervision"
	"github.com/BaSui01/agentgov/internal/idempotency"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome 是一次触发的处理结果。EXECUTE、PROPOSE、SUPERVISE 分别只设置
// ExecutionHandle、ProposalID、SessionID 之一；BLOCK 只带 ReasonCode 和 Remediation。
type Outcome struct {
	Routing         types.Routing      `json:"routing"`
	ExecutionHandle *execution.Handle  `json:"execution_handle,omitempty"`
	ProposalID      string             `json:"proposal_id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	ReasonCode      string             `json:"reason_code"`
	Remediation     string             `json:"remediation,omitempty"`
	Tier            types.MaturityTier `json:"tier,omitempty"`
	ConfigVersion   uint64             `json:"config_version,omitempty"`
}

// Checker 回答权限检查
type Checker interface {
	Check(ctx context.Context, agentID string, complexity types.ActionComplexity) (types.GovernanceDecision, error)
}

// Proposer 为 PROPOSE 路由的触发创建待审提案
type Proposer interface {
	Create(ctx context.Context, req types.ActionRequest, tier types.MaturityTier) (*proposal.Proposal, error)
}

// Supervisor 为 SUPERVISE 路由的触发打开监督会话
type Supervisor interface {
	Open(ctx context.Context, req types.ActionRequest) (*supervision.Session, error)
}

// Tracker 把 EXECUTE 派发跟踪到任务结果。Expect 在派发前调用。
type Tracker interface {
	Expect(agentID, key string, source types.EpisodeSource) *execution.Expectation
}

// Option 配置 Interceptor
type Option func(*Interceptor)

func WithTracker(t Tracker) Option {
	return func(i *Interceptor) { i.tracker = t }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(i *Interceptor) { i.metrics = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(i *Interceptor) { i.tracer = t }
}

// WithIdempotency 在 ttl 内对携带 RequestID 的请求去重：重复提交返回
// 首次的 Outcome，不会再次派发、创建提案或开启会话。
func WithIdempotency(m idempotency.Manager, ttl time.Duration) Option {
	return func(i *Interceptor) {
		i.idem = m
		i.idemTTL = ttl
	}
}

// Interceptor 是自动触发的决策点。它从不等待人工，
// 治理状态不可用时也从不执行。
type Interceptor struct {
	checker   Checker
	proposals Proposer
	sessions  Supervisor
	runtime   execution.Runtime
	audit     audit.Log
	tracker   Tracker
	idem      idempotency.Manager
	idemTTL   time.Duration
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

func New(checker Checker, proposals Proposer, sessions Supervisor, runtime execution.Runtime, auditLog audit.Log, logger *zap.Logger, opts ...Option) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Interceptor{
		checker:   checker,
		proposals: proposals,
		sessions:  sessions,
		runtime:   runtime,
		audit:     auditLog,
		idemTTL:   24 * time.Hour,
		tracer:    otel.Tracer("agentgov/interceptor"),
		logger:    logger.With(zap.String("component", "interceptor")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Submit 路由 req。请求格式错误返回 ValidationError；治理存储不可用时
// 返回 reason 为 degraded_mode 的 BLOCK，不返回错误。
func (i *Interceptor) Submit(ctx context.Context, req types.ActionRequest) (out Outcome, err error) {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "interceptor.submit", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.Int("action.complexity", int(req.Complexity)),
		attribute.String("trigger.source", string(req.TriggerSource)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("governance.routing", string(out.Routing)),
				attribute.String("governance.reason", out.ReasonCode),
			)
			i.metrics.RecordDecision(string(out.Routing), out.ReasonCode, time.Since(start))
		}
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	if req.RequestID == "" || i.idem == nil {
		return i.route(ctx, req)
	}
	return i.routeOnce(ctx, req)
}

// transientOutcome 携带不应缓存的结果（降级 BLOCK），让 idempotency.Do
// 释放占用，重试时重新判定。
type transientOutcome struct{ out Outcome }

func (transientOutcome) Error() string { return "transient outcome" }

// routeOnce 以 "trigger:"+RequestID 为键至多路由一次，缓存整个 Outcome。
func (i *Interceptor) routeOnce(ctx context.Context, req types.ActionRequest) (Outcome, error) {
	ran := false
	out, first, err := idempotency.Do(ctx, i.idem, "trigger:"+req.RequestID, i.idemTTL,
		func(ctx context.Context) (Outcome, error) {
			ran = true
			out, err := i.route(ctx, req)
			if err == nil && out.ReasonCode == types.ReasonDegradedMode {
				return Outcome{}, transientOutcome{out: out}
			}
			return out, err
		})
	var transient transientOutcome
	switch {
	case errors.As(err, &transient):
		return transient.out, nil
	case errors.Is(err, idempotency.ErrInFlight):
		return Outcome{}, types.NewConflictError("request %s is already being processed", req.RequestID)
	case err != nil && !ran:
		// 幂等存储不可用时无法保证去重，按降级处理。
		return i.degraded(ctx, req, err), nil
	case err != nil:
		return Outcome{}, err
	}
	if !first {
		i.logger.Info("duplicate trigger, returning first outcome",
			zap.String("agent_id", req.AgentID),
			zap.String("request_id", req.RequestID),
			zap.String("routing", string(out.Routing)),
		)
	}
	return out, nil
}

func (i *Interceptor) route(ctx context.Context, req types.ActionRequest) (Outcome, error) {
	decision, err := i.check(ctx, req)
	if err != nil {
		if types.IsErrorCode(err, types.ErrNotFound) {
			return i.block(ctx, req, types.GovernanceDecision{
				AgentID:     req.AgentID,
				Complexity:  req.Complexity,
				Routing:     types.RoutingBlock,
				ReasonCode:  types.ReasonUnknownAgent,
				Remediation: types.RemediationContactAdministrator,
			}), nil
		}
		return i.degraded(ctx, req, err), nil
	}

	switch decision.Routing {
	case types.RoutingExecute:
		return i.execute(ctx, req, decision)
	case types.RoutingPropose:
		return i.propose(ctx, req, decision)
	case types.RoutingSupervise:
		return i.supervise(ctx, req, decision)
	default:
		return i.block(ctx, req, decision), nil
	}
}

// check 把权限路径中的 panic 转为错误，调用方据此拒绝执行。
func (i *Interceptor) check(ctx context.Context, req types.ActionRequest) (d types.GovernanceDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("permission check panicked",
				zap.String("agent_id", req.AgentID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("permission check panicked: %v", r)
		}
	}()
	return i.checker.Check(ctx, req.AgentID, req.Complexity)
}

func (i *Interceptor) degraded(ctx context.Context, req types.ActionRequest, cause error) Outcome {
	i.metrics.RecordDegraded("permission")
	i.logger.Warn("governance degraded, trigger blocked",
		zap.String("agent_id", req.AgentID),
		zap.Int("complexity", int(req.Complexity)),
		zap.Error(cause),
	)
	i.appendAudit(ctx, audit.Entry{
		AgentID:   req.AgentID,
		EventType: audit.EventDegradedMode,
		RefID:     req.RequestID,
		After:     map[string]any{"request": req, "error": cause.Error()},
	})
	return Outcome{
		Routing:     types.RoutingBlock,
		ReasonCode:  types.ReasonDegradedMode,
		Remediation: types.RemediationRetryLater,
	}
}

func (i *Interceptor) block(ctx context.Context, req types.ActionRequest, d types.GovernanceDecision) Outcome {
	i.appendAudit(ctx, audit.Entry{
		AgentID:   req.AgentID,
		EventType: audit.EventTriggerBlocked,
		RefID:     req.RequestID,
		After: map[string]any{
			"request":        req,
			"tier":           d.Tier,
			"reason":         d.ReasonCode,
			"remediation":    d.Remediation,
			"config_version": d.ConfigVersion,
		},
	})
	i.logger.Info("trigger blocked",
		zap.String("agent_id", req.AgentID),
		zap.Int("complexity", int(req.Complexity)),
		zap.String("reason", d.ReasonCode),
	)
	return Outcome{
		Routing:       types.RoutingBlock,
		ReasonCode:    d.ReasonCode,
		Remediation:   d.Remediation,
		Tier:          d.Tier,
		ConfigVersion: d.ConfigVersion,
	}
}

func (i *Interceptor) propose(ctx context.Context, req types.ActionRequest, d types.GovernanceDecision) (Outcome, error) {
	p, err := i.proposals.Create(ctx, req, d.Tier)
	if err != nil {
		return Outcome{}, fmt.Errorf("create proposal: %w", err)
	}
	return Outcome{
		Routing:       types.RoutingPropose,
		ProposalID:    p.ID,
		ReasonCode:    d.ReasonCode,
		Remediation:   d.Remediation,
		Tier:          d.Tier,
		ConfigVersion: d.ConfigVersion,
	}, nil
}

func (i *Interceptor) supervise(ctx context.Context, req types.ActionRequest, d types.GovernanceDecision) (Outcome, error) {
	s, err := i.sessions.Open(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Routing:       types.RoutingSupervise,
		SessionID:     s.ID,
		ReasonCode:    d.ReasonCode,
		Remediation:   d.Remediation,
		Tier:          d.Tier,
		ConfigVersion: d.ConfigVersion,
	}, nil
}

func (i *Interceptor) execute(ctx context.Context, req types.ActionRequest, d types.GovernanceDecision) (Outcome, error) {
	key := req.RequestID
	if key == "" {
		key = uuid.NewString()
	}
	var expect *execution.Expectation
	if i.tracker != nil {
		expect = i.tracker.Expect(req.AgentID, key, types.EpisodeExecute)
	}
	h, err := i.runtime.Dispatch(ctx, req, key)
	if err != nil {
		expect.Cancel()
		i.appendAudit(ctx, audit.Entry{
			AgentID:   req.AgentID,
			EventType: audit.EventDispatchFailed,
			RefID:     req.RequestID,
			After:     map[string]any{"request": req, "error": err.Error()},
		})
		i.logger.Error("dispatch failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		return Outcome{}, types.NewUpstreamError("dispatch trigger", err)
	}
	expect.Bind(h)
	i.appendAudit(ctx, audit.Entry{
		AgentID:   req.AgentID,
		EventType: audit.EventTriggerDispatched,
		RefID:     h.ID,
		After:     map[string]any{"request": req, "handle": h, "config_version": d.ConfigVersion},
	})
	return Outcome{
		Routing:         types.RoutingExecute,
		ExecutionHandle: &h,
		ReasonCode:      d.ReasonCode,
		Tier:            d.Tier,
		ConfigVersion:   d.ConfigVersion,
	}, nil
}

// appendAudit 只记录追加失败；审计日志不可达时被拦截或降级的触发仍然被拦截。
func (i *Interceptor) appendAudit(ctx context.Context, e audit.Entry) {
	if i.audit == nil {
		return
	}
	if _, err := i.audit.Append(ctx, e); err != nil {
		i.logger.Error("audit append failed",
			zap.String("event", string(e.EventType)),
			zap.String("agent_id", e.AgentID),
			zap.Error(err),
		)
	}
}
