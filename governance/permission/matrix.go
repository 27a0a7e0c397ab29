package permission

import (
	"slices"

	"github.com/BaSui01/agentgov/types"
)

type route struct {
	routing     types.Routing
	reason      string
	remediation string
}

var (
	execute   = route{types.RoutingExecute, types.ReasonTierPermits, ""}
	propose   = route{types.RoutingPropose, types.ReasonRequiresApproval, types.RemediationAwaitingApproval}
	supervise = route{types.RoutingSupervise, types.ReasonRequiresSupervision, types.RemediationUnderSupervision}
	block     = route{types.RoutingBlock, types.ReasonTierInsufficient, types.RemediationRequiresTraining}
	blockC4   = route{types.RoutingBlock, types.ReasonDestructiveForbidden, types.RemediationDestructive}
)

// matrix 按层级序号再按复杂度-1 索引
var matrix = [4][4]route{
	{execute, block, block, blockC4},       // STUDENT
	{execute, propose, propose, blockC4},   // INTERN
	{execute, execute, supervise, blockC4}, // SUPERVISED
	{execute, execute, execute, execute},   // AUTONOMOUS
}

// Route 查找层级与复杂度对应的控制方式，未知输入路由为 BLOCK。
func Route(tier types.MaturityTier, complexity types.ActionComplexity) (types.Routing, string, string) {
	r := tier.Rank()
	if r < 0 || !complexity.Valid() {
		return block.routing, block.reason, block.remediation
	}
	rt := matrix[r][complexity-1]
	return rt.routing, rt.reason, rt.remediation
}

// Ceiling 返回层级在任一控制方式下可执行的复杂度
func Ceiling(tier types.MaturityTier) []types.ActionComplexity {
	var out []types.ActionComplexity
	for _, c := range types.Complexities {
		if routing, _, _ := Route(tier, c); routing != types.RoutingBlock {
			out = append(out, c)
		}
	}
	return out
}

// WithinCeiling 报告每项能力是否都在 tier 允许范围内
func WithinCeiling(tier types.MaturityTier, caps []types.ActionComplexity) bool {
	ceiling := Ceiling(tier)
	for _, c := range caps {
		if !slices.Contains(ceiling, c) {
			return false
		}
	}
	return true
}

// Decide 对智能体快照应用矩阵和单智能体覆盖
func Decide(agent *types.Agent, complexity types.ActionComplexity) (types.Routing, string, string) {
	switch {
	case !agent.Active:
		return types.RoutingBlock, types.ReasonAgentDeactivated, types.RemediationContactAdministrator
	case !complexity.Valid():
		return Route(agent.Tier, complexity)
	}
	routing, reason, remediation := Route(agent.Tier, complexity)
	if routing != types.RoutingBlock && !agent.HasCapability(complexity) {
		return types.RoutingBlock, types.ReasonCapabilityRevoked, types.RemediationContactAdministrator
	}
	return routing, reason, remediation
}
