// Package audit 维护只追加、按 agent 哈希链接的治理审计日志。
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EventType 审计的决策或状态转换名
type EventType string

// 触发事件
const (
	EventTriggerDispatched EventType = "trigger_dispatched"
	EventTriggerBlocked    EventType = "trigger_blocked"
	EventDegradedMode      EventType = "degraded_mode"
	EventDispatchFailed    EventType = "dispatch_failed"
)

// 提案事件
const (
	EventProposalCreated  EventType = "proposal_created"
	EventProposalApproved EventType = "proposal_approved"
	EventProposalRejected EventType = "proposal_rejected"
	EventProposalExpired  EventType = "proposal_expired"
)

// 监督事件
const (
	EventSessionOpened     EventType = "session_opened"
	EventSessionPaused     EventType = "session_paused"
	EventSessionResumed    EventType = "session_resumed"
	EventSessionCorrected  EventType = "session_corrected"
	EventSessionTerminated EventType = "session_terminated"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionFailed     EventType = "session_failed"
	EventSessionStalled    EventType = "session_stalled"
	EventSessionAnomaly    EventType = "session_anomaly"
)

// 成熟度事件
const (
	EventAgentRegistered        EventType = "agent_registered"
	EventEpisodeRecorded        EventType = "episode_recorded"
	EventExamFailed             EventType = "exam_failed"
	EventTierPromoted           EventType = "tier_promoted"
	EventTierOverridden         EventType = "tier_overridden"
	EventCapabilitiesRestricted EventType = "capabilities_restricted"
	EventAgentDeactivated       EventType = "agent_deactivated"
	EventAgentReactivated       EventType = "agent_reactivated"
)

// ErrChainBroken 记录被篡改或删除时由 VerifyChain 返回
var ErrChainBroken = errors.New("audit chain broken")

// Entry 是调用方追加的内容，Before 和 After 序列化为 JSON
type Entry struct {
	AgentID   string
	EventType EventType
	Actor     string
	RefID     string
	Before    any
	After     any
}

// Record 是不可变的审计行。Seq 在每个智能体内严格递增，
// Hash 把每条记录链接到同一智能体的前一条记录。
type Record struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Seq         uint64          `json:"seq"`
	EventType   EventType       `json:"event_type"`
	Actor       string          `json:"actor,omitempty"`
	RefID       string          `json:"ref_id,omitempty"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	At          time.Time       `json:"at"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Filter 缩小 Query 范围，零值字段匹配全部
type Filter struct {
	AgentID    string
	EventTypes []EventType
	RefID      string
	AfterSeq   uint64
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f Filter) matches(r *Record) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.RefID != "" && r.RefID != f.RefID {
		return false
	}
	if f.AfterSeq > 0 && r.Seq <= f.AfterSeq {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.At.After(f.Until) {
		return false
	}
	if len(f.EventTypes) > 0 {
		for _, et := range f.EventTypes {
			if r.EventType == et {
				return true
			}
		}
		return false
	}
	return true
}

// Log 只追加的审计轨迹
type Log interface {
	// Append 写入一条记录，实现需加入 ctx 携带的事务
	Append(ctx context.Context, e Entry) (*Record, error)
	// Query 按智能体和序号顺序返回匹配记录
	Query(ctx context.Context, f Filter) ([]*Record, error)
}

// encodeState 序列化前后状态，nil 保持为空
func encodeState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return data, nil
}

// computeHash 覆盖除 ID 和 Hash 外的所有字段
func computeHash(r *Record) string {
	h := sha256.New()
	for _, part := range []string{
		r.PrevHash,
		r.AgentID,
		strconv.FormatUint(r.Seq, 10),
		string(r.EventType),
		r.Actor,
		r.RefID,
		string(r.BeforeState),
		string(r.AfterState),
		strconv.FormatInt(r.At.UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// seal 为 prev 之后的下一条记录填充序号、时间戳和哈希
func seal(r *Record, prev *Record, now time.Time) {
	r.At = now.UTC().Truncate(time.Millisecond)
	if prev != nil {
		r.Seq = prev.Seq + 1
		r.PrevHash = prev.Hash
	} else {
		r.Seq = 1
		r.PrevHash = ""
	}
	r.Hash = computeHash(r)
}

// VerifyChain 校验按序号排列的单个智能体记录
func VerifyChain(records []*Record) error {
	var prev *Record
	for _, r := range records {
		wantSeq := uint64(1)
		wantPrev := ""
		if prev != nil {
			wantSeq = prev.Seq + 1
			wantPrev = prev.Hash
		}
		if r.Seq != wantSeq || r.PrevHash != wantPrev {
			return fmt.Errorf("%w: agent %s seq %d", ErrChainBroken, r.AgentID, r.Seq)
		}
		if computeHash(r) != r.Hash {
			return fmt.Errorf("%w: agent %s seq %d hash mismatch", ErrChainBroken, r.AgentID, r.Seq)
		}
		prev = r
	}
	return nil
}
