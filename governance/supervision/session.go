package supervision

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/types"
)

// State 监督会话的生命周期状态
type State string

const (
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCorrected  State = "CORRECTED"
	StateTerminated State = "TERMINATED"
	StateCompleted  State = "COMPLETED"
)

// Terminal 报告是否已无后续转换
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateCompleted
}

// Op 监督控制操作
type Op string

const (
	OpPause     Op = "pause"
	OpResume    Op = "resume"
	OpCorrect   Op = "correct"
	OpTerminate Op = "terminate"
)

// ParseOp 解析控制名
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpPause, OpResume, OpCorrect, OpTerminate:
		return op, nil
	}
	return "", types.NewValidationError("unknown supervision control %q", s)
}

// transitions 列出每个活动状态的合法转换
var transitions = map[State][]State{
	StateRunning:   {StatePaused, StateCorrected, StateTerminated, StateCompleted},
	StatePaused:    {StateRunning, StateTerminated},
	StateCorrected: {StateRunning},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// InterventionEvent 一次监督控制，按到达顺序记录
type InterventionEvent struct {
	Type    Op              `json:"type"`
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Session 是 SUPERVISED 层级在人工实时控制下的一次执行
type Session struct {
	ID                 string              `json:"id"`
	AgentID            string              `json:"agent_id"`
	Request            types.ActionRequest `json:"request"`
	State              State               `json:"state"`
	StartedAt          time.Time           `json:"started_at"`
	EndedAt            *time.Time          `json:"ended_at,omitempty"`
	LastProgressAt     time.Time           `json:"last_progress_at"`
	Progress           float64             `json:"progress"`
	Handle             execution.Handle    `json:"handle"`
	InterventionEvents []InterventionEvent `json:"intervention_events"`
	Stalled            bool                `json:"stalled"`
	Anomaly            string              `json:"anomaly,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.InterventionEvents = slices.Clone(s.InterventionEvents)
	if s.EndedAt != nil {
		end := *s.EndedAt
		cp.EndedAt = &end
	}
	return &cp
}

// EventType 观察者收到的事件类别
type EventType string

const (
	EventProgress EventType = "progress"
	EventState    EventType = "state"
	EventStalled  EventType = "stalled"
	EventAnomaly  EventType = "anomaly"
)

// Event 按序投递给会话观察者
type Event struct {
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	State     State           `json:"state"`
	Progress  float64         `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}
