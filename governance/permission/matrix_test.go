package permission

import (
	"testing"

	"github.com/BaSui01/agentgov/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestRoute_Matrix(t *testing.T) {
	want := map[types.MaturityTier][4]types.Routing{
		types.TierStudent:    {types.RoutingExecute, types.RoutingBlock, types.RoutingBlock, types.RoutingBlock},
		types.TierIntern:     {types.RoutingExecute, types.RoutingPropose, types.RoutingPropose, types.RoutingBlock},
		types.TierSupervised: {types.RoutingExecute, types.RoutingExecute, types.RoutingSupervise, types.RoutingBlock},
		types.TierAutonomous: {types.RoutingExecute, types.RoutingExecute, types.RoutingExecute, types.RoutingExecute},
	}
	for tier, row := range want {
		for i, routing := range row {
			got, _, _ := Route(tier, types.ActionComplexity(i+1))
			assert.Equalf(t, routing, got, "%s complexity %d", tier, i+1)
		}
	}
}

func TestRoute_Reasons(t *testing.T) {
	routing, reason, remediation := Route(types.TierStudent, 3)
	assert.Equal(t, types.RoutingBlock, routing)
	assert.Equal(t, "tier insufficient", reason)
	assert.Equal(t, "requires training", remediation)

	_, reason, remediation = Route(types.TierSupervised, 4)
	assert.Equal(t, "tier insufficient for destructive action", reason)
	assert.Equal(t, "tier insufficient for destructive action", remediation)

	routing, _, _ = Route("EXPERT", 1)
	assert.Equal(t, types.RoutingBlock, routing, "unknown tier fails closed")
}

func TestCeiling(t *testing.T) {
	assert.Equal(t, []types.ActionComplexity{1}, Ceiling(types.TierStudent))
	assert.Equal(t, []types.ActionComplexity{1, 2, 3}, Ceiling(types.TierIntern))
	assert.Equal(t, []types.ActionComplexity{1, 2, 3, 4}, Ceiling(types.TierAutonomous))

	assert.True(t, WithinCeiling(types.TierIntern, []types.ActionComplexity{1, 3}))
	assert.False(t, WithinCeiling(types.TierSupervised, []types.ActionComplexity{4}))
	assert.True(t, WithinCeiling(types.TierStudent, nil))
}

func TestDecide_Overrides(t *testing.T) {
	agent := &types.Agent{ID: "a", Tier: types.TierSupervised, Capabilities: []types.ActionComplexity{1, 3}, Active: true}

	routing, reason, _ := Decide(agent, 2)
	assert.Equal(t, types.RoutingBlock, routing)
	assert.Equal(t, types.ReasonCapabilityRevoked, reason)

	routing, _, _ = Decide(agent, 3)
	assert.Equal(t, types.RoutingSupervise, routing)

	_, reason, _ = Decide(agent, 4)
	assert.Equal(t, types.ReasonDestructiveForbidden, reason, "matrix block wins over the capability check")

	agent.Active = false
	routing, reason, remediation := Decide(agent, 1)
	assert.Equal(t, types.RoutingBlock, routing)
	assert.Equal(t, types.ReasonAgentDeactivated, reason)
	assert.Equal(t, types.RemediationContactAdministrator, remediation)
}

// Complexity 4 runs only at AUTONOMOUS, whatever the capability set says.
func TestProperty_DestructiveOnlyAtAutonomous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("complexity 4 executes iff tier is AUTONOMOUS", prop.ForAll(
		func(rank int, caps []int, active bool) bool {
			agent := &types.Agent{Tier: types.Tiers[rank], Active: active}
			for _, c := range caps {
				agent.Capabilities = append(agent.Capabilities, types.ActionComplexity(c))
			}
			routing, _, _ := Decide(agent, types.ComplexityCritical)
			if agent.Tier != types.TierAutonomous {
				return routing == types.RoutingBlock
			}
			return routing == types.RoutingBlock || routing == types.RoutingExecute
		},
		gen.IntRange(0, 3),
		gen.SliceOf(gen.IntRange(1, 4)),
		gen.Bool(),
	))

	properties.Property("routing never exceeds the matrix", prop.ForAll(
		func(rank, complexity int) bool {
			tier := types.Tiers[rank]
			agent := &types.Agent{Tier: tier, Active: true, Capabilities: Ceiling(tier)}
			got, _, _ := Decide(agent, types.ActionComplexity(complexity))
			want, _, _ := Route(tier, types.ActionComplexity(complexity))
			return got == want
		},
		gen.IntRange(0, 3),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
