package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/episode"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/graduation"
	"github.com/BaSui01/agentgov/governance/interceptor"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/governance/notify"
	"github.com/BaSui01/agentgov/governance/permission"
	"github.com/BaSui01/agentgov/governance/proposal"
	"github.com/BaSui01/agentgov/governance/supervision"
	"github.com/BaSui01/agentgov/internal/circuitbreaker"
	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/internal/idempotency"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config 汇总各治理组件的配置
type Config struct {
	Maturity    maturity.Config
	Cache       permission.Config
	Proposal    proposal.Config
	Supervision supervision.Config
	Graduation  graduation.Config
	// TriggerDedupTTL 触发请求 RequestID 的去重保留时长
	TriggerDedupTTL time.Duration
}

// DefaultConfig 返回各组件的默认配置
func DefaultConfig() Config {
	return Config{
		Maturity:        maturity.DefaultConfig(),
		Cache:           permission.DefaultConfig(),
		Proposal:        proposal.DefaultConfig(),
		Supervision:     supervision.DefaultConfig(),
		Graduation:      graduation.DefaultConfig(),
		TriggerDedupTTL: 24 * time.Hour,
	}
}

// Deps 是构建 Engine 所需的协作者。Registry、Audit 和 Runtime 必填，
// 各存储缺省时使用内存实现。
type Deps struct {
	Registry    maturity.Registry
	Audit       audit.Log
	Runtime     execution.Runtime
	Episodes    episode.Store
	Proposals   proposal.Store
	Results     graduation.Store
	Scenarios   graduation.ScenarioRunner
	Idempotency idempotency.Manager
	Transactor  database.Transactor
	Notifier    notify.Notifier
	Publisher   permission.Publisher
	Subscriber  permission.Subscriber
	Metrics     *metrics.Collector
	// Tracer 覆盖决策与考试使用的全局 OpenTelemetry tracer
	Tracer trace.Tracer
}

// Engine 是治理层的唯一入口
type Engine struct {
	classifier  *maturity.Classifier
	cache       *permission.Cache
	interceptor *interceptor.Interceptor
	proposals   *proposal.Manager
	sessions    *supervision.Manager
	evaluator   *graduation.Evaluator
	router      *execution.Router
	audit       audit.Log
	subscriber  permission.Subscriber
	ownedIdem   *idempotency.MemoryManager
	logger      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New 组装各治理组件
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Registry == nil || deps.Audit == nil || deps.Runtime == nil {
		return nil, errors.New("governance: registry, audit log and runtime are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{audit: deps.Audit, subscriber: deps.Subscriber, logger: logger.With(zap.String("component", "engine"))}

	if deps.Episodes == nil {
		deps.Episodes = episode.NewMemoryStore(0)
	}
	if deps.Proposals == nil {
		deps.Proposals = proposal.NewMemoryStore()
	}
	if deps.Results == nil {
		deps.Results = graduation.NewMemoryStore()
	}
	if deps.Scenarios == nil {
		deps.Scenarios = graduation.NewReplayRunner(deps.Episodes)
	}
	if deps.Idempotency == nil {
		e.ownedIdem = idempotency.NewMemoryManager(logger)
		deps.Idempotency = e.ownedIdem
	}
	if cfg.TriggerDedupTTL <= 0 {
		cfg.TriggerDedupTTL = DefaultConfig().TriggerDedupTTL
	}

	classifierOpts := []maturity.Option{
		maturity.WithEpisodeRecorder(deps.Episodes),
		maturity.WithMetrics(deps.Metrics),
	}
	if deps.Transactor != nil {
		classifierOpts = append(classifierOpts, maturity.WithTransactor(deps.Transactor))
	}
	e.classifier = maturity.NewClassifier(deps.Registry, deps.Audit, cfg.Maturity, logger, classifierOpts...)

	cacheOpts := []permission.Option{permission.WithMetrics(deps.Metrics)}
	if deps.Publisher != nil {
		cacheOpts = append(cacheOpts, permission.WithPublisher(deps.Publisher))
	}
	e.cache = permission.NewCache(e.classifier, cfg.Cache, logger, cacheOpts...)
	e.classifier.SetInvalidator(e.cache)

	e.router = execution.NewRouter(nil, logger)
	tracker := execution.NewTracker(e.router, e.classifier, logger)

	e.proposals = proposal.NewManager(deps.Proposals, deps.Runtime, deps.Idempotency, deps.Audit, cfg.Proposal, logger,
		proposal.WithNotifier(deps.Notifier),
		proposal.WithTracker(tracker),
		proposal.WithEpisodeRecorder(e.classifier),
		proposal.WithMetrics(deps.Metrics),
	)
	e.sessions = supervision.NewManager(deps.Runtime, deps.Audit, cfg.Supervision, logger,
		supervision.WithRouter(e.router),
		supervision.WithNotifier(deps.Notifier),
		supervision.WithEpisodeRecorder(e.classifier),
		supervision.WithMetrics(deps.Metrics),
	)
	evaluatorOpts := []graduation.Option{
		graduation.WithNotifier(deps.Notifier),
		graduation.WithMetrics(deps.Metrics),
	}
	interceptorOpts := []interceptor.Option{
		interceptor.WithTracker(tracker),
		interceptor.WithIdempotency(deps.Idempotency, cfg.TriggerDedupTTL),
		interceptor.WithMetrics(deps.Metrics),
	}
	if deps.Tracer != nil {
		evaluatorOpts = append(evaluatorOpts, graduation.WithTracer(deps.Tracer))
		interceptorOpts = append(interceptorOpts, interceptor.WithTracer(deps.Tracer))
	}
	e.evaluator = graduation.NewEvaluator(e.classifier, deps.Scenarios, deps.Results, deps.Audit, cfg.Graduation, logger, evaluatorOpts...)
	e.interceptor = interceptor.New(e.cache, e.proposals, e.sessions, deps.Runtime, deps.Audit, logger, interceptorOpts...)
	return e, nil
}

// Start 启动提案过期清理、停滞检测，以及配置了远端失效通道时的监听。
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.proposals.Start(ctx)
	e.sessions.Start(ctx)
	if e.subscriber != nil {
		e.running.Add(1)
		go func() {
			defer e.running.Done()
			if err := e.cache.Listen(ctx, e.subscriber); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("invalidation listener stopped", zap.Error(err))
			}
		}()
	}
	e.logger.Info("governance engine started")
}

// Stop 停止后台任务并等待退出
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.proposals.Stop()
	e.sessions.Stop()
	e.running.Wait()
	if e.ownedIdem != nil {
		e.ownedIdem.Close()
	}
	e.logger.Info("governance engine stopped")
}

// =============================================================================
// 决策
// =============================================================================

// CheckPermission 返回智能体的缓存路由决策
func (e *Engine) CheckPermission(ctx context.Context, agentID string, complexity types.ActionComplexity) (types.GovernanceDecision, error) {
	return e.cache.Check(ctx, agentID, complexity)
}

// SubmitTrigger 路由一次自动触发
func (e *Engine) SubmitTrigger(ctx context.Context, req types.ActionRequest) (interceptor.Outcome, error) {
	return e.interceptor.Submit(ctx, req)
}

// DecideProposal 批准或拒绝待审提案
func (e *Engine) DecideProposal(ctx context.Context, proposalID string, approve bool, by, comment string) (*proposal.Proposal, error) {
	return e.proposals.Decide(ctx, proposalID, approve, by, comment)
}

// RedispatchProposal 重试已批准提案的失败派发
func (e *Engine) RedispatchProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	return e.proposals.Redispatch(ctx, proposalID)
}

func (e *Engine) Proposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	return e.proposals.Get(ctx, id)
}

func (e *Engine) Proposals(ctx context.Context, f proposal.ListFilter) ([]*proposal.Proposal, error) {
	return e.proposals.List(ctx, f)
}

// SuperviseControl 对会话执行一次监督控制
func (e *Engine) SuperviseControl(ctx context.Context, sessionID string, op supervision.Op, payload json.RawMessage) (*supervision.Session, error) {
	return e.sessions.Control(ctx, sessionID, op, payload)
}

func (e *Engine) Session(id string) (*supervision.Session, error) {
	return e.sessions.Get(id)
}

func (e *Engine) Sessions(agentID string) []*supervision.Session {
	return e.sessions.List(agentID)
}

// SubscribeSession 按序推送会话事件
func (e *Engine) SubscribeSession(id string) (<-chan supervision.Event, func(), error) {
	return e.sessions.Subscribe(id)
}

// RunGraduationExam 为 agentID 进行晋级考试，通过即晋级
func (e *Engine) RunGraduationExam(ctx context.Context, agentID string, target types.MaturityTier, mode graduation.Mode) (*graduation.Result, error) {
	return e.evaluator.Evaluate(ctx, agentID, target, mode)
}

func (e *Engine) ExamResults(ctx context.Context, agentID string) ([]*graduation.Result, error) {
	return e.evaluator.Results(ctx, agentID)
}

// RecordEpisodeOutcome 把外部观测到的任务结果计入智能体统计。
func (e *Engine) RecordEpisodeOutcome(ctx context.Context, outcome types.EpisodeOutcome) (*types.Agent, error) {
	if outcome.Source == "" {
		outcome.Source = types.EpisodeManual
	}
	return e.classifier.RecordEpisode(ctx, outcome)
}

// =============================================================================
// 管理
// =============================================================================

func (e *Engine) RegisterAgent(ctx context.Context, id, name, actor string) (*types.Agent, error) {
	return e.classifier.Register(ctx, id, name, actor)
}

func (e *Engine) OverrideTier(ctx context.Context, id string, tier types.MaturityTier, actor, reason string) (*types.Agent, error) {
	return e.classifier.OverrideTier(ctx, id, tier, actor, reason)
}

func (e *Engine) RestrictCapabilities(ctx context.Context, id string, caps []types.ActionComplexity, actor string) (*types.Agent, error) {
	return e.classifier.RestrictCapabilities(ctx, id, caps, actor)
}

func (e *Engine) Deactivate(ctx context.Context, id, actor string) (*types.Agent, error) {
	return e.classifier.SetActive(ctx, id, false, actor)
}

func (e *Engine) Reactivate(ctx context.Context, id, actor string) (*types.Agent, error) {
	return e.classifier.SetActive(ctx, id, true, actor)
}

func (e *Engine) Agent(ctx context.Context, id string) (*types.Agent, error) {
	return e.classifier.Get(ctx, id)
}

func (e *Engine) Agents(ctx context.Context, f maturity.ListFilter) ([]*types.Agent, error) {
	return e.classifier.List(ctx, f)
}

// AuditTrail 查询审计日志
func (e *Engine) AuditTrail(ctx context.Context, f audit.Filter) ([]*audit.Record, error) {
	return e.audit.Query(ctx, f)
}

// VerifyAuditChain 校验单个智能体审计记录的哈希链
func (e *Engine) VerifyAuditChain(ctx context.Context, agentID string) error {
	if agentID == "" {
		return types.NewValidationError("agent_id is required")
	}
	records, err := e.audit.Query(ctx, audit.Filter{AgentID: agentID})
	if err != nil {
		return err
	}
	return audit.VerifyChain(records)
}

// =============================================================================
// 运行时回调
// =============================================================================

func (e *Engine) OnProgress(ctx context.Context, ev execution.Event) {
	ev.Kind = execution.EventProgress
	execution.Deliver(ctx, e.router, ev)
}

func (e *Engine) OnComplete(ctx context.Context, ev execution.Event) {
	ev.Kind = execution.EventComplete
	execution.Deliver(ctx, e.router, ev)
}

func (e *Engine) OnError(ctx context.Context, ev execution.Event) {
	ev.Kind = execution.EventError
	execution.Deliver(ctx, e.router, ev)
}

// Observer 暴露回调路由器，例如供 RedisQueueRuntime.Consume 使用
func (e *Engine) Observer() execution.Observer {
	return e.router
}

// RegistryState 返回注册表熔断器状态，用于健康检查
func (e *Engine) RegistryState() circuitbreaker.State {
	return e.classifier.Breaker().State()
}
