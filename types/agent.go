package types

import (
	"slices"
	"time"
)

// Agent is the governance view of an autonomous agent. Agents are never
// deleted; Active=false is a soft deactivation.
type Agent struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Tier              MaturityTier       `json:"tier"`
	ConfidenceScore   float64            `json:"confidence_score"`
	EpisodeCount      int64              `json:"episode_count"`
	InterventionCount int64              `json:"intervention_count"`
	ComplianceScore   float64            `json:"compliance_score"`
	Capabilities      []ActionComplexity `json:"capabilities"`
	ConfigVersion     uint64             `json:"config_version"`
	Active            bool               `json:"active"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// InterventionRate is InterventionCount/EpisodeCount, 0 with no episodes.
func (a *Agent) InterventionRate() float64 {
	if a.EpisodeCount <= 0 {
		return 0
	}
	return float64(a.InterventionCount) / float64(a.EpisodeCount)
}

// HasCapability reports whether c is in the agent's capability set.
func (a *Agent) HasCapability(c ActionComplexity) bool {
	return slices.Contains(a.Capabilities, c)
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	return &cp
}
