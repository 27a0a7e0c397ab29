package graduation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/governance/notify"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config 评估器配置
type Config struct {
	// Concurrency 限制同时运行的场景数
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
	Actor       string `yaml:"actor" json:"actor"`
	Recipient   string `yaml:"recipient" json:"recipient"`
}

func DefaultConfig() Config {
	return Config{Concurrency: 8, Actor: "graduation", Recipient: "approvers"}
}

// Option 配置 Evaluator
type Option func(*Evaluator)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Evaluator) { e.notifier = n }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Evaluator) { e.metrics = c }
}

// WithTracer 覆盖全局 OpenTelemetry tracer
func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

// Evaluator 运行晋级考试并晋级通过的智能体
type Evaluator struct {
	classifier *maturity.Classifier
	runner     ScenarioRunner
	results    Store
	audit      audit.Log
	notifier   notify.Notifier
	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

func NewEvaluator(classifier *maturity.Classifier, runner ScenarioRunner, results Store, auditLog audit.Log, cfg Config, logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Actor == "" {
		cfg.Actor = def.Actor
	}
	if cfg.Recipient == "" {
		cfg.Recipient = def.Recipient
	}
	e := &Evaluator{
		classifier: classifier,
		runner:     runner,
		results:    results,
		audit:      auditLog,
		tracer:     otel.Tracer("agentgov/graduation"),
		logger:     logger.With(zap.String("component", "graduation")),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate 为 agentID 进行目标为 target 的考试，target 必须是当前存储层级的
// 上一级。考试未通过返回 Passed=false 的 Result，而不是错误。
func (e *Evaluator) Evaluate(ctx context.Context, agentID string, target types.MaturityTier, mode Mode) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "graduation.evaluate", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("exam.target", string(target)),
		attribute.String("exam.mode", string(mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("exam.passed", res.Passed),
				attribute.Float64("exam.readiness", res.ReadinessScore),
			)
		}
		span.End()
	}()

	if mode, err = ParseMode(string(mode)); err != nil {
		return nil, err
	}
	agent, err := e.classifier.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if next, ok := agent.Tier.Next(); !ok || next != target {
		return nil, types.NewValidationError("agent %s is %s; exam target must be the next tier, got %s", agentID, agent.Tier, target)
	}
	if !agent.Active {
		return nil, types.NewConflictError("agent %s is deactivated", agentID)
	}

	size := BatterySize(target, mode)
	ran, critical, err := e.runBattery(ctx, agent, target, size)
	if err != nil {
		return nil, err
	}

	readiness := maturity.Readiness(agent, target)
	var reasons []string
	if critical > 0 {
		reasons = append(reasons, fmt.Sprintf("critical errors: %d", critical))
	}
	reasons = append(reasons, qualification(agent, target)...)
	if ran < size {
		reasons = append(reasons, fmt.Sprintf("only %d of %d scenarios ran", ran, size))
	}

	res = &Result{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		FromTier:       agent.Tier,
		ToTier:         target,
		Mode:           mode,
		BatterySize:    size,
		ScenariosRun:   ran,
		CriticalErrors: critical,
		ReadinessScore: maturity.RoundScore(readiness),
		Passed:         len(reasons) == 0,
		FailureReasons: reasons,
		EvaluatedAt:    e.now().UTC(),
	}

	if res.Passed {
		err = e.promote(ctx, agent, res)
		if types.IsErrorCode(err, types.ErrConflict) {
			// 考试期间 Agent 被修改：本次尝试按失败记录。
			e.logger.Warn("promotion rejected after exam", zap.String("agent_id", agentID), zap.Error(err))
			res.Passed = false
			res.FailureReasons = append(res.FailureReasons, err.Error())
			err = e.fail(ctx, res)
		}
	} else {
		err = e.fail(ctx, res)
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordExam(string(target), res.Passed, readiness)
	msg := fmt.Sprintf("exam for %s failed", target)
	if res.Passed {
		msg = fmt.Sprintf("promoted to %s", target)
	}
	notify.Send(ctx, e.notifier, e.logger, e.cfg.Recipient, notify.Notification{
		Kind:    notify.KindGraduationResult,
		AgentID: agentID,
		RefID:   res.ID,
		Message: msg,
	})
	e.logger.Info("graduation exam evaluated",
		zap.String("agent_id", agentID),
		zap.String("target", string(target)),
		zap.String("mode", string(mode)),
		zap.Int("scenarios_run", ran),
		zap.Int("critical_errors", critical),
		zap.Float64("readiness", readiness),
		zap.Bool("passed", res.Passed),
	)
	return res, nil
}

// runBattery 以有限并发运行最多 size 个场景，出错的场景计为未运行。
func (e *Evaluator) runBattery(ctx context.Context, agent *types.Agent, target types.MaturityTier, size int) (int, int, error) {
	scenarios, err := e.runner.Prepare(ctx, agent, target, size)
	if err != nil {
		return 0, 0, types.NewUpstreamError("prepare exam scenarios", err)
	}
	if len(scenarios) > size {
		scenarios = scenarios[:size]
	}

	var ran, critical atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, sc := range scenarios {
		g.Go(func() error {
			out, err := sc(gctx)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.Warn("exam scenario did not run",
					zap.String("agent_id", agent.ID),
					zap.Int("scenario", i),
					zap.Error(err),
				)
				return nil
			}
			ran.Add(1)
			if out.Critical {
				critical.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return int(ran.Load()), int(critical.Load()), nil
}

// qualification 返回 agent 晋升到 target 尚未满足的条件：准备度门槛与
// 分级资格。评分时与加锁晋升时各核对一次。
func qualification(agent *types.Agent, target types.MaturityTier) []string {
	var reasons []string
	readiness := maturity.Readiness(agent, target)
	if need := PassingReadiness[target]; !meetsReadiness(readiness, need) {
		reasons = append(reasons, fmt.Sprintf("readiness %.6f below %.2f", readiness, need))
	}
	return append(reasons, maturity.Eligibility(agent, target)...)
}

// meetsReadiness 比较未经舍入的分数；容差只吸收浮点运算误差。
func meetsReadiness(score, need float64) bool {
	return score >= need-1e-12
}

// promote 在 Agent 锁内复核评分快照后，于同一事务中修改等级、能力与
// 版本，保存结果并写入 tier_promoted 审计。
func (e *Evaluator) promote(ctx context.Context, agent *types.Agent, res *Result) error {
	_, err := e.classifier.Promote(ctx, agent.ID, maturity.Promotion{
		From:          res.FromTier,
		To:            res.ToTier,
		ConfigVersion: agent.ConfigVersion,
		Actor:         e.cfg.Actor,
		RefID:         res.ID,
		Verify: func(current *types.Agent) []string {
			return qualification(current, res.ToTier)
		},
	}, func(ctx context.Context, _ *types.Agent) error {
		return e.results.Save(ctx, res)
	})
	return err
}

// fail 保存结果并写入 exam_failed 审计记录，不改动智能体
func (e *Evaluator) fail(ctx context.Context, res *Result) error {
	return e.classifier.WithAgentLock(res.AgentID, func() error {
		if err := e.results.Save(ctx, res); err != nil {
			return err
		}
		if e.audit == nil {
			return nil
		}
		_, err := e.audit.Append(ctx, audit.Entry{
			AgentID:   res.AgentID,
			EventType: audit.EventExamFailed,
			Actor:     e.cfg.Actor,
			RefID:     res.ID,
			After:     res,
		})
		return err
	})
}

// Results 列出智能体的考试记录，最新在前
func (e *Evaluator) Results(ctx context.Context, agentID string) ([]*Result, error) {
	return e.results.List(ctx, agentID)
}
