package execution

import (
	"context"
	"sync"

	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// EpisodeRecorder 把结果计入智能体统计
type EpisodeRecorder interface {
	RecordEpisode(ctx context.Context, outcome types.EpisodeOutcome) (*types.Agent, error)
}

// Tracker 把非监督派发的终态回调转为任务结果。
type Tracker struct {
	router   *Router
	recorder EpisodeRecorder
	logger   *zap.Logger
}

// NewTracker 创建在 router 上注册的 tracker
func NewTracker(router *Router, recorder EpisodeRecorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{router: router, recorder: recorder, logger: logger.With(zap.String("component", "episode_tracker"))}
}

// Expect 在派发之前以幂等键 key 注册路由，运行时在 Dispatch 返回前
// 就回调完成也不会丢失任务记录。key 已有路由时不重复跟踪，返回的
// Expectation 为空操作。
func (t *Tracker) Expect(agentID, key string, source types.EpisodeSource) *Expectation {
	exec := &trackedExecution{tracker: t, agentID: agentID, refID: key, source: source}
	if !t.router.registerIfAbsent(key, exec) {
		t.logger.Debug("execution already tracked", zap.String("key", key))
		return nil
	}
	return &Expectation{router: t.router, key: key, exec: exec}
}

// Expectation 是一次尚未确认的派发跟踪。方法对 nil 接收者安全。
type Expectation struct {
	router *Router
	key    string
	exec   *trackedExecution
}

// Bind 记录派发得到的句柄；句柄 ID 与幂等键不同时把路由迁移到句柄 ID。
// 终态回调已经到达时不再注册。
func (x *Expectation) Bind(h Handle) {
	if x == nil {
		return
	}
	x.exec.mu.Lock()
	x.exec.refID = h.ID
	if h.AgentID != "" {
		x.exec.agentID = h.AgentID
	}
	x.exec.mu.Unlock()
	if h.ID != x.key {
		x.router.rekey(x.key, h.ID, x.exec)
	}
}

// Cancel 撤销派发失败或重复派发的跟踪。
func (x *Expectation) Cancel() {
	if x == nil {
		return
	}
	x.router.remove(x.key, x.exec)
}

type trackedExecution struct {
	tracker *Tracker
	source  types.EpisodeSource

	mu      sync.Mutex
	agentID string
	refID   string
}

func (e *trackedExecution) OnProgress(context.Context, Event) {}

func (e *trackedExecution) OnComplete(ctx context.Context, ev Event) {
	e.record(ctx, ev, true)
}

func (e *trackedExecution) OnError(ctx context.Context, ev Event) {
	e.record(ctx, ev, false)
}

// record 使用运行时上报的合规度；未上报时成功计为完全合规，失败计为不合规。
func (e *trackedExecution) record(ctx context.Context, ev Event, success bool) {
	compliance := 0.0
	if success {
		compliance = 1
	}
	if ev.Compliance != nil {
		compliance = *ev.Compliance
	}
	e.mu.Lock()
	agentID, refID := e.agentID, e.refID
	e.mu.Unlock()
	_, err := e.tracker.recorder.RecordEpisode(ctx, types.EpisodeOutcome{
		AgentID:           agentID,
		Success:           success,
		ComplianceScore:   compliance,
		CriticalViolation: ev.CriticalViolation,
		Source:            e.source,
		RefID:             refID,
		At:                ev.At,
	})
	if err != nil {
		e.tracker.logger.Error("record episode failed",
			zap.String("handle_id", refID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}
