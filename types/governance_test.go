package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaturityTier_Progression(t *testing.T) {
	t.Parallel()

	next, ok := TierStudent.Next()
	require.True(t, ok)
	assert.Equal(t, TierIntern, next)

	next, ok = TierSupervised.Next()
	require.True(t, ok)
	assert.Equal(t, TierAutonomous, next)

	_, ok = TierAutonomous.Next()
	assert.False(t, ok)

	assert.Equal(t, -1, MaturityTier("EXPERT").Rank())
	for i, tier := range Tiers {
		assert.Equal(t, i, tier.Rank())
	}
}

func TestParseMaturityTier(t *testing.T) {
	t.Parallel()

	tier, err := ParseMaturityTier(" supervised ")
	require.NoError(t, err)
	assert.Equal(t, TierSupervised, tier)

	_, err = ParseMaturityTier("guru")
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrValidation))
}

func TestActionRequest_Validate(t *testing.T) {
	t.Parallel()

	valid := ActionRequest{AgentID: "a-1", Complexity: 2, TriggerSource: TriggerWebhook, Payload: json.RawMessage(`{"k":1}`)}
	require.NoError(t, valid.Validate())

	cases := map[string]ActionRequest{
		"missing agent":     {Complexity: 1, TriggerSource: TriggerManual},
		"complexity zero":   {AgentID: "a", Complexity: 0, TriggerSource: TriggerManual},
		"complexity five":   {AgentID: "a", Complexity: 5, TriggerSource: TriggerManual},
		"unknown trigger":   {AgentID: "a", Complexity: 1, TriggerSource: "cron"},
		"malformed payload": {AgentID: "a", Complexity: 1, TriggerSource: TriggerEvent, Payload: json.RawMessage(`{`)},
	}
	for name, req := range cases {
		err := req.Validate()
		assert.Truef(t, IsErrorCode(err, ErrValidation), "%s: expected validation error, got %v", name, err)
	}
}

func TestDecisionKey_DependsOnEveryComponent(t *testing.T) {
	t.Parallel()

	base := DecisionKey("agent", 3, 7)
	assert.Len(t, base, 64)
	assert.Equal(t, base, DecisionKey("agent", 3, 7))
	assert.NotEqual(t, base, DecisionKey("agent", 3, 8))
	assert.NotEqual(t, base, DecisionKey("agent", 2, 7))
	assert.NotEqual(t, base, DecisionKey("agent2", 3, 7))
}

func TestAgent_InterventionRateAndClone(t *testing.T) {
	t.Parallel()

	a := &Agent{ID: "a", EpisodeCount: 20, InterventionCount: 5, Capabilities: []ActionComplexity{1, 2}}
	assert.InDelta(t, 0.25, a.InterventionRate(), 1e-9)
	assert.Zero(t, (&Agent{}).InterventionRate())

	cp := a.Clone()
	cp.Capabilities[0] = 4
	assert.True(t, a.HasCapability(1))
	assert.False(t, a.HasCapability(4))
}

func TestEpisodeOutcome_Validate(t *testing.T) {
	t.Parallel()

	ok := EpisodeOutcome{AgentID: "a", ComplianceScore: 0.9}
	require.NoError(t, ok.Validate())

	bad := EpisodeOutcome{AgentID: "a", ComplianceScore: 1.2}
	assert.True(t, IsErrorCode(bad.Validate(), ErrValidation))
}
