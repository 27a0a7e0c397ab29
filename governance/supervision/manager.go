package supervision

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/notify"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 会话监督配置
type Config struct {
	// StallTimeout 超过该时长无进度的 RUNNING 会话被标记为停滞
	StallTimeout       time.Duration `yaml:"stall_timeout" json:"stall_timeout"`
	StallCheckInterval time.Duration `yaml:"stall_check_interval" json:"stall_check_interval"`
	// CancelGrace 等待运行时确认终止的上限
	CancelGrace      time.Duration `yaml:"cancel_grace" json:"cancel_grace"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" json:"subscriber_buffer"`
	// TombstoneTTL 已结束会话的保留时长，用于回应迟到的控制
	TombstoneTTL time.Duration `yaml:"tombstone_ttl" json:"tombstone_ttl"`
	Recipient    string        `yaml:"recipient" json:"recipient"`
}

// DefaultConfig 返回默认监督配置
func DefaultConfig() Config {
	return Config{
		StallTimeout:       5 * time.Minute,
		StallCheckInterval: 30 * time.Second,
		CancelGrace:        10 * time.Second,
		SubscriberBuffer:   64,
		TombstoneTTL:       24 * time.Hour,
		Recipient:          "supervisors",
	}
}

// DefaultActor 无认证用户时记录的操作者
const DefaultActor = "supervisor"

// Option 配置 Manager
type Option func(*Manager)

// WithRouter 把每个会话句柄注册到 r，使运行时回调到达管理器。
func WithRouter(r *execution.Router) Option {
	return func(m *Manager) { m.router = r }
}

// WithNotifier 设置停滞和异常告警的通知器
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithEpisodeRecorder 会话结束时记录一次任务
func WithEpisodeRecorder(r execution.EpisodeRecorder) Option {
	return func(m *Manager) { m.episodes = r }
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

type entry struct {
	mu      sync.Mutex
	session *Session
	subs    map[uint64]chan Event
	closed  bool
}

// Manager 管理进行中的监督会话以及已结束会话的墓碑
type Manager struct {
	runtime  execution.Runtime
	router   *execution.Router
	audit    audit.Log
	episodes execution.EpisodeRecorder
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	byHandle map[string]string
	subSeq   atomic.Uint64

	loopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 创建监督管理器
func NewManager(runtime execution.Runtime, auditLog audit.Log, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = def.StallCheckInterval
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	if cfg.Recipient == "" {
		cfg.Recipient = def.Recipient
	}
	m := &Manager{
		runtime:  runtime,
		audit:    auditLog,
		logger:   logger.With(zap.String("component", "supervision")),
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*entry),
		byHandle: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// 生命周期
// =============================================================================

// Open 创建 RUNNING 会话，并以会话 ID 作为幂等键派发 req。
func (m *Manager) Open(ctx context.Context, req types.ActionRequest) (*Session, error) {
	now := m.now().UTC()
	id := uuid.NewString()
	e := &entry{
		session: &Session{
			ID:             id,
			AgentID:        req.AgentID,
			Request:        req,
			State:          StateRunning,
			StartedAt:      now,
			LastProgressAt: now,
		},
		subs: make(map[uint64]chan Event),
	}

	// 先注册路由再派发，提前到达的回调不会丢失
	m.mu.Lock()
	m.sessions[id] = e
	m.byHandle[id] = id
	m.mu.Unlock()
	m.route(id)

	h, err := m.runtime.Dispatch(ctx, req, id)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.byHandle, id)
		m.mu.Unlock()
		m.unroute(id)
		m.appendAudit(ctx, audit.Entry{
			AgentID:   req.AgentID,
			EventType: audit.EventDispatchFailed,
			RefID:     id,
			After:     map[string]string{"error": err.Error()},
		})
		m.logger.Error("supervised dispatch failed", zap.String("session_id", id), zap.Error(err))
		return nil, types.NewUpstreamError("dispatch supervised action", err)
	}
	if h.ID != id {
		m.mu.Lock()
		delete(m.byHandle, id)
		m.byHandle[h.ID] = id
		m.mu.Unlock()
		m.unroute(id)
		m.route(h.ID)
	}

	e.mu.Lock()
	e.session.Handle = h
	snap := e.session.clone()
	e.mu.Unlock()

	m.metrics.RecordSessionOpened()
	m.appendAudit(ctx, audit.Entry{
		AgentID:   req.AgentID,
		EventType: audit.EventSessionOpened,
		RefID:     id,
		After:     snap,
	})
	m.logger.Info("supervision session opened",
		zap.String("session_id", id),
		zap.String("agent_id", req.AgentID),
		zap.String("handle_id", h.ID),
	)
	return snap, nil
}

// Get 返回会话或其墓碑
func (m *Manager) Get(id string) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), nil
}

// List 按创建顺序返回 agentID 的会话，agentID 为空时返回全部。
func (m *Manager) List(agentID string) []*Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if agentID == "" || e.session.AgentID == agentID {
			out = append(out, e.session.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// =============================================================================
// 控制
// =============================================================================

// Control 对会话执行 op
func (m *Manager) Control(ctx context.Context, id string, op Op, payload json.RawMessage) (*Session, error) {
	switch op {
	case OpPause:
		return m.Pause(ctx, id)
	case OpResume:
		return m.Resume(ctx, id)
	case OpCorrect:
		return m.Correct(ctx, id, payload)
	case OpTerminate:
		return m.Terminate(ctx, id)
	}
	return nil, types.NewValidationError("unknown supervision control %q", op)
}

// Pause 把 RUNNING 会话转为 PAUSED
func (m *Manager) Pause(ctx context.Context, id string) (*Session, error) {
	return m.control(ctx, id, OpPause, nil, StatePaused, audit.EventSessionPaused)
}

// Resume 把 PAUSED 会话恢复为 RUNNING，停滞计时从恢复时刻重新开始。
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	return m.control(ctx, id, OpResume, nil, StateRunning, audit.EventSessionResumed)
}

// Correct 向 RUNNING 会话转发纠正。会话经过 CORRECTED，
// Correct 返回时已回到 RUNNING。
func (m *Manager) Correct(ctx context.Context, id string, payload json.RawMessage) (*Session, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, types.NewValidationError("correction payload is not valid JSON")
	}
	return m.control(ctx, id, OpCorrect, payload, StateCorrected, audit.EventSessionCorrected)
}

func (m *Manager) control(ctx context.Context, id string, op Op, payload json.RawMessage, to State, event audit.EventType) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.session
	if s.State.Terminal() {
		e.mu.Unlock()
		return nil, types.NewConflictError("session %s is %s", id, s.State)
	}
	if !canTransition(s.State, to) {
		e.mu.Unlock()
		return nil, types.NewConflictError("cannot %s session %s in state %s", op, id, s.State)
	}
	// 持锁转发，运行时看到的控制顺序与干预日志一致
	if err := m.forward(ctx, op, s.Handle, payload); err != nil {
		e.mu.Unlock()
		m.logger.Error("forward control failed", zap.String("session_id", id), zap.String("op", string(op)), zap.Error(err))
		return nil, types.NewUpstreamError("forward "+string(op)+" to runtime", err)
	}

	now := m.now().UTC()
	from := s.State
	s.InterventionEvents = append(s.InterventionEvents, InterventionEvent{
		Type: op, Actor: actorFrom(ctx), Payload: payload, At: now,
	})
	s.State = to
	if from == StatePaused {
		// 暂停期间不计入停滞时间
		s.LastProgressAt = now
	}
	m.publishLocked(e, Event{SessionID: id, Type: EventState, State: to, Data: payload, At: now})
	if to == StateCorrected {
		s.State = StateRunning
		m.publishLocked(e, Event{SessionID: id, Type: EventState, State: StateRunning, At: now})
	}
	snap := s.clone()
	e.mu.Unlock()

	m.metrics.RecordSessionTransition(string(from), string(to), false)
	m.appendAudit(ctx, audit.Entry{
		AgentID:   snap.AgentID,
		EventType: event,
		Actor:     actorFrom(ctx),
		RefID:     id,
		Before:    map[string]State{"state": from},
		After:     snap,
	})
	m.logger.Info("supervision control applied",
		zap.String("session_id", id),
		zap.String("op", string(op)),
		zap.String("state", string(snap.State)),
	)
	return snap, nil
}

func (m *Manager) forward(ctx context.Context, op Op, h execution.Handle, payload json.RawMessage) error {
	c, ok := m.runtime.(execution.Controllable)
	if !ok {
		m.logger.Debug("runtime has no control channel", zap.String("runtime", m.runtime.Name()), zap.String("op", string(op)))
		return nil
	}
	switch op {
	case OpPause:
		return c.Pause(ctx, h)
	case OpResume:
		return c.Resume(ctx, h)
	case OpCorrect:
		return c.Correct(ctx, h, payload)
	}
	return nil
}

// Terminate 无条件结束进行中的会话。运行时有 CancelGrace 的时间确认取消；
// 未确认时作为异常记录在会话上，不返回错误。
func (m *Manager) Terminate(ctx context.Context, id string) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.session
	if s.State.Terminal() {
		e.mu.Unlock()
		return nil, types.NewConflictError("session %s is %s", id, s.State)
	}
	now := m.now().UTC()
	from := s.State
	s.InterventionEvents = append(s.InterventionEvents, InterventionEvent{
		Type: OpTerminate, Actor: actorFrom(ctx), At: now,
	})
	m.endLocked(e, StateTerminated, now)
	h := s.Handle
	snap := s.clone()
	e.mu.Unlock()

	m.forget(h.ID)
	m.metrics.RecordSessionTransition(string(from), string(StateTerminated), true)
	m.appendAudit(ctx, audit.Entry{
		AgentID:   snap.AgentID,
		EventType: audit.EventSessionTerminated,
		Actor:     actorFrom(ctx),
		RefID:     id,
		Before:    map[string]State{"state": from},
		After:     snap,
	})

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelGrace)
	cancelErr := m.runtime.Cancel(cctx, h)
	cancel()
	if cancelErr != nil {
		kind, message := "cancel_failed", "cancel failed: "+cancelErr.Error()
		var anomaly error = cancelErr
		if errors.Is(cancelErr, execution.ErrNotAcknowledged) || errors.Is(cancelErr, context.DeadlineExceeded) {
			kind, message = "cancellation_timeout", "cancellation not acknowledged within "+m.cfg.CancelGrace.String()
			anomaly = types.NewCancellationTimeoutError(id, cancelErr)
		}
		m.logger.Warn("session terminated with anomaly", zap.String("session_id", id), zap.Error(anomaly))
		snap = m.recordAnomaly(ctx, e, kind, message)
	}

	m.closeSubscribers(e)
	m.recordEpisode(ctx, snap, false, nil, false)
	return snap, nil
}

// =============================================================================
// 运行时回调
// =============================================================================

// OnProgress 向观察者转发进度并清除停滞标记
func (m *Manager) OnProgress(_ context.Context, ev execution.Event) {
	e := m.lookupHandle(ev.HandleID)
	if e == nil {
		m.logger.Debug("progress for unknown session", zap.String("handle_id", ev.HandleID))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s.State.Terminal() {
		m.logger.Debug("progress for finished session ignored", zap.String("session_id", s.ID))
		return
	}
	at := ev.At
	if at.IsZero() {
		at = m.now().UTC()
	}
	s.LastProgressAt = at
	s.Progress = ev.Progress
	s.Stalled = false
	m.publishLocked(e, Event{
		SessionID: s.ID, Type: EventProgress, State: s.State,
		Progress: ev.Progress, Message: ev.Message, Data: ev.Data, At: at,
	})
}

// OnComplete 把会话转为 COMPLETED
func (m *Manager) OnComplete(ctx context.Context, ev execution.Event) {
	m.finish(ctx, ev, StateCompleted, audit.EventSessionCompleted, "")
}

// OnError 终止会话并把运行时错误记录为异常
func (m *Manager) OnError(ctx context.Context, ev execution.Event) {
	msg := ev.Message
	if msg == "" {
		msg = "runtime reported an error"
	}
	m.finish(ctx, ev, StateTerminated, audit.EventSessionFailed, msg)
}

func (m *Manager) finish(ctx context.Context, ev execution.Event, to State, event audit.EventType, anomaly string) {
	e := m.lookupHandle(ev.HandleID)
	if e == nil {
		m.logger.Warn("terminal callback for unknown session", zap.String("handle_id", ev.HandleID), zap.String("kind", string(ev.Kind)))
		return
	}
	e.mu.Lock()
	s := e.session
	if s.State.Terminal() {
		e.mu.Unlock()
		m.logger.Warn("terminal callback for finished session ignored", zap.String("session_id", s.ID), zap.String("state", string(s.State)))
		return
	}
	at := ev.At
	if at.IsZero() {
		at = m.now().UTC()
	}
	from := s.State
	if to == StateCompleted {
		s.Progress = 1
	}
	m.endLocked(e, to, at)
	snap := s.clone()
	e.mu.Unlock()

	m.forget(ev.HandleID)
	m.metrics.RecordSessionTransition(string(from), string(to), true)
	m.appendAudit(ctx, audit.Entry{
		AgentID:   snap.AgentID,
		EventType: event,
		RefID:     snap.ID,
		Before:    map[string]State{"state": from},
		After:     snap,
	})
	if anomaly != "" {
		snap = m.recordAnomaly(ctx, e, "runtime_error", anomaly)
	}
	m.closeSubscribers(e)
	m.recordEpisode(ctx, snap, to == StateCompleted, ev.Compliance, ev.CriticalViolation)
}

// endLocked 把会话转入终态
func (m *Manager) endLocked(e *entry, to State, at time.Time) {
	e.session.State = to
	e.session.EndedAt = &at
	m.publishLocked(e, Event{SessionID: e.session.ID, Type: EventState, State: to, At: at})
}

func (m *Manager) recordAnomaly(ctx context.Context, e *entry, kind, message string) *Session {
	now := m.now().UTC()
	e.mu.Lock()
	e.session.Anomaly = message
	m.publishLocked(e, Event{SessionID: e.session.ID, Type: EventAnomaly, State: e.session.State, Message: message, At: now})
	snap := e.session.clone()
	e.mu.Unlock()

	m.metrics.RecordSessionAnomaly(kind)
	m.appendAudit(ctx, audit.Entry{
		AgentID:   snap.AgentID,
		EventType: audit.EventSessionAnomaly,
		RefID:     snap.ID,
		After:     map[string]string{"kind": kind, "anomaly": message},
	})
	notify.Send(ctx, m.notifier, m.logger, m.cfg.Recipient, notify.Notification{
		Kind:    notify.KindSessionAnomaly,
		AgentID: snap.AgentID,
		RefID:   snap.ID,
		Message: message,
	})
	return snap
}

// recordEpisode 把结束的会话计入智能体统计，
// 有任何监督控制即视为被干预。
func (m *Manager) recordEpisode(ctx context.Context, s *Session, success bool, compliance *float64, critical bool) {
	if m.episodes == nil {
		return
	}
	score := 0.0
	if success {
		score = 1
	}
	if compliance != nil {
		score = *compliance
	}
	at := m.now().UTC()
	if s.EndedAt != nil {
		at = *s.EndedAt
	}
	_, err := m.episodes.RecordEpisode(ctx, types.EpisodeOutcome{
		AgentID:           s.AgentID,
		Success:           success,
		HumanIntervened:   len(s.InterventionEvents) > 0,
		ComplianceScore:   score,
		CriticalViolation: critical,
		Source:            types.EpisodeSupervision,
		RefID:             s.ID,
		At:                at,
	})
	if err != nil {
		m.logger.Error("record supervision episode failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// =============================================================================
// 观察者
// =============================================================================

// Subscribe 按序推送会话事件。落后超过 SubscriberBuffer 个事件的订阅者
// 会被移除并关闭其通道。会话结束时通道关闭。
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Event, m.cfg.SubscriberBuffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		s := e.session
		at := m.now().UTC()
		if s.EndedAt != nil {
			at = *s.EndedAt
		}
		ch <- Event{SessionID: s.ID, Type: EventState, State: s.State, Message: s.Anomaly, At: at}
		close(ch)
		return ch, func() {}, nil
	}
	subID := m.subSeq.Add(1)
	e.subs[subID] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[subID]; ok {
			delete(e.subs, subID)
			close(c)
		}
	}, nil
}

func (m *Manager) publishLocked(e *entry, ev Event) {
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			delete(e.subs, id)
			close(ch)
			m.logger.Warn("slow session subscriber dropped", zap.String("session_id", ev.SessionID))
		}
	}
}

func (m *Manager) closeSubscribers(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.closed = true
}

// =============================================================================
// 停滞检测
// =============================================================================

// CheckStalls 标记自 now-StallTimeout 以来无进度的 RUNNING 会话，
// 并清理过期墓碑。停滞会话不会被终止。
func (m *Manager) CheckStalls(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	flagged := 0
	var expired []string
	for _, e := range entries {
		e.mu.Lock()
		s := e.session
		if s.State.Terminal() {
			if e.closed && s.EndedAt != nil && now.Sub(*s.EndedAt) > m.cfg.TombstoneTTL {
				expired = append(expired, s.ID)
			}
			e.mu.Unlock()
			continue
		}
		if s.State != StateRunning || s.Stalled || now.Sub(s.LastProgressAt) < m.cfg.StallTimeout {
			e.mu.Unlock()
			continue
		}
		s.Stalled = true
		m.publishLocked(e, Event{SessionID: s.ID, Type: EventStalled, State: s.State, At: now})
		snap := s.clone()
		e.mu.Unlock()

		flagged++
		m.metrics.RecordSessionAnomaly("stalled")
		m.appendAudit(ctx, audit.Entry{
			AgentID:   snap.AgentID,
			EventType: audit.EventSessionStalled,
			RefID:     snap.ID,
			After:     map[string]any{"last_progress_at": snap.LastProgressAt, "stall_timeout": m.cfg.StallTimeout.String()},
		})
		notify.Send(ctx, m.notifier, m.logger, m.cfg.Recipient, notify.Notification{
			Kind:    notify.KindSessionStalled,
			AgentID: snap.AgentID,
			RefID:   snap.ID,
			Message: "no progress since " + snap.LastProgressAt.Format(time.RFC3339),
		})
		m.logger.Warn("supervision session stalled", zap.String("session_id", snap.ID), zap.Time("last_progress_at", snap.LastProgressAt))
	}

	if len(expired) > 0 {
		m.mu.Lock()
		for _, id := range expired {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	return flagged
}

// Start 运行停滞检测，直到 Stop 或 ctx 结束
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	stop := m.stopCh

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.StallCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.CheckStalls(ctx, m.now().UTC())
			}
		}
	}()
}

// Stop 停止停滞检测并等待退出
func (m *Manager) Stop() {
	m.loopMu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.loopMu.Unlock()
	m.wg.Wait()
}

// =============================================================================
// 内部实现
// =============================================================================

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("session", id)
	}
	return e, nil
}

func (m *Manager) lookupHandle(handleID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHandle[handleID]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// forget 删除已结束会话的句柄映射，会话本身保留为墓碑。
func (m *Manager) forget(handleID string) {
	m.mu.Lock()
	delete(m.byHandle, handleID)
	m.mu.Unlock()
	m.unroute(handleID)
}

func (m *Manager) route(handleID string) {
	if m.router != nil {
		m.router.Register(handleID, m)
	}
}

func (m *Manager) unroute(handleID string) {
	if m.router != nil {
		m.router.Unregister(handleID)
	}
}

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

func actorFrom(ctx context.Context) string {
	if id, ok := types.UserID(ctx); ok && id != "" {
		return id
	}
	return DefaultActor
}
