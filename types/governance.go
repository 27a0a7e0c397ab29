package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// Maturity tiers
// =============================================================================

// MaturityTier is an agent's earned autonomy level.
type MaturityTier string

const (
	TierStudent    MaturityTier = "STUDENT"
	TierIntern     MaturityTier = "INTERN"
	TierSupervised MaturityTier = "SUPERVISED"
	TierAutonomous MaturityTier = "AUTONOMOUS"
)

// Tiers lists every tier in ascending order.
var Tiers = []MaturityTier{TierStudent, TierIntern, TierSupervised, TierAutonomous}

// Rank returns the tier's position in the progression, or -1 if unknown.
func (t MaturityTier) Rank() int {
	switch t {
	case TierStudent:
		return 0
	case TierIntern:
		return 1
	case TierSupervised:
		return 2
	case TierAutonomous:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is a known tier.
func (t MaturityTier) Valid() bool {
	return t.Rank() >= 0
}

// Next returns the tier directly above t.
func (t MaturityTier) Next() (MaturityTier, bool) {
	r := t.Rank()
	if r < 0 || r >= len(Tiers)-1 {
		return "", false
	}
	return Tiers[r+1], true
}

// ParseMaturityTier parses a tier name case-insensitively.
func ParseMaturityTier(s string) (MaturityTier, error) {
	t := MaturityTier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewValidationError("unknown maturity tier %q", s)
	}
	return t, nil
}

// =============================================================================
// Action complexity
// =============================================================================

// ActionComplexity grades the risk of an action: 1 read-only, 2 low-risk write,
// 3 state-changing, 4 critical or destructive.
type ActionComplexity int

const (
	ComplexityReadOnly    ActionComplexity = 1
	ComplexityLowRisk     ActionComplexity = 2
	ComplexityStateChange ActionComplexity = 3
	ComplexityCritical    ActionComplexity = 4
)

// Complexities lists every complexity in ascending order.
var Complexities = []ActionComplexity{ComplexityReadOnly, ComplexityLowRisk, ComplexityStateChange, ComplexityCritical}

// Valid reports whether c is within 1..4.
func (c ActionComplexity) Valid() bool {
	return c >= ComplexityReadOnly && c <= ComplexityCritical
}

// =============================================================================
// Trigger sources and routing
// =============================================================================

// TriggerSource identifies what initiated an action.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerWebhook   TriggerSource = "webhook"
	TriggerEvent     TriggerSource = "event"
)

// Valid reports whether s is a known trigger source.
func (s TriggerSource) Valid() bool {
	switch s {
	case TriggerManual, TriggerScheduled, TriggerWebhook, TriggerEvent:
		return true
	}
	return false
}

// Routing is the control regime an action is permitted to run under.
type Routing string

const (
	RoutingExecute   Routing = "EXECUTE"
	RoutingSupervise Routing = "SUPERVISE"
	RoutingPropose   Routing = "PROPOSE"
	RoutingBlock     Routing = "BLOCK"
)

// Reason codes attached to decisions.
const (
	ReasonTierPermits          = "tier_permits"
	ReasonRequiresApproval     = "requires_approval"
	ReasonRequiresSupervision  = "requires_supervision"
	ReasonTierInsufficient     = "tier insufficient"
	ReasonDestructiveForbidden = "tier insufficient for destructive action"
	ReasonCapabilityRevoked    = "capability revoked"
	ReasonAgentDeactivated     = "agent deactivated"
	ReasonDegradedMode         = "degraded_mode"
	ReasonUnknownAgent         = "unknown agent"
)

// Remediations attached to non-executing decisions.
const (
	RemediationRequiresTraining     = "requires training"
	RemediationAwaitingApproval     = "awaiting approval"
	RemediationUnderSupervision     = "under supervision"
	RemediationDestructive          = "tier insufficient for destructive action"
	RemediationContactAdministrator = "contact administrator"
	RemediationRetryLater           = "governance degraded, retry later"
)

// =============================================================================
// Requests and decisions
// =============================================================================

// ActionRequest is a trigger asking an agent to perform an action.
type ActionRequest struct {
	AgentID       string           `json:"agent_id"`
	Complexity    ActionComplexity `json:"complexity"`
	TriggerSource TriggerSource    `json:"trigger_source"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	RequestID     string           `json:"request_id,omitempty"`
}

// Validate checks the request shape. It never consults agent state.
func (r *ActionRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return NewValidationError("agent_id is required")
	}
	if !r.Complexity.Valid() {
		return NewValidationError("complexity %d out of range 1..4", r.Complexity)
	}
	if !r.TriggerSource.Valid() {
		return NewValidationError("unknown trigger source %q", r.TriggerSource)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return NewValidationError("payload is not valid JSON")
	}
	return nil
}

// GovernanceDecision is the cached routing outcome for (agent, complexity, version).
type GovernanceDecision struct {
	AgentID       string           `json:"agent_id"`
	Complexity    ActionComplexity `json:"complexity"`
	Routing       Routing          `json:"routing"`
	ReasonCode    string           `json:"reason_code"`
	Remediation   string           `json:"remediation,omitempty"`
	Tier          MaturityTier     `json:"tier,omitempty"`
	ConfigVersion uint64           `json:"config_version"`
	CacheKey      string           `json:"cache_key"`
	DecidedAt     time.Time        `json:"decided_at"`
}

// DecisionKey hashes the identity of a cached decision.
func DecisionKey(agentID string, complexity ActionComplexity, version uint64) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(complexity))
	binary.BigEndian.PutUint64(buf[8:], version)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Episodes
// =============================================================================

// EpisodeSource identifies which governance path produced an episode.
type EpisodeSource string

const (
	EpisodeExecute     EpisodeSource = "execute"
	EpisodeProposal    EpisodeSource = "proposal"
	EpisodeSupervision EpisodeSource = "supervision"
	EpisodeManual      EpisodeSource = "manual"
)

// EpisodeOutcome is one completed agent task fed back into the maturity statistics.
type EpisodeOutcome struct {
	AgentID           string        `json:"agent_id"`
	Success           bool          `json:"success"`
	HumanIntervened   bool          `json:"human_intervened"`
	ComplianceScore   float64       `json:"compliance_score"`
	CriticalViolation bool          `json:"critical_violation"`
	Source            EpisodeSource `json:"source,omitempty"`
	RefID             string        `json:"ref_id,omitempty"`
	At                time.Time     `json:"at"`
}

// Validate checks the outcome shape.
func (o *EpisodeOutcome) Validate() error {
	if strings.TrimSpace(o.AgentID) == "" {
		return NewValidationError("agent_id is required")
	}
	if o.ComplianceScore < 0 || o.ComplianceScore > 1 {
		return NewValidationError("compliance_score %.3f outside [0,1]", o.ComplianceScore)
	}
	return nil
}
