package governance

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/graduation"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/governance/proposal"
	"github.com/BaSui01/agentgov/governance/supervision"
	"github.com/BaSui01/agentgov/testutil"
	"github.com/BaSui01/agentgov/testutil/mocks"
	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(t *testing.T) (*Engine, *mocks.MockRuntime) {
	t.Helper()
	rt := mocks.NewMockRuntime()
	e, err := New(Deps{
		Registry: maturity.NewMemoryRegistry(),
		Audit:    audit.NewMemoryLog(zap.NewNop()),
		Runtime:  rt,
		Notifier: mocks.NewMockNotifier(),
	}, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, rt
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestEngine_GraduationChangesRouting(t *testing.T) {
	e, _ := newEngine(t)
	ctx := testutil.TestContext(t)

	_, err := e.RegisterAgent(ctx, "bot", "Billing bot", "admin")
	require.NoError(t, err)

	d, err := e.CheckPermission(ctx, "bot", 2)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingBlock, d.Routing)

	for i := 0; i < 10; i++ {
		_, err := e.RecordEpisodeOutcome(ctx, types.EpisodeOutcome{AgentID: "bot", Success: true, ComplianceScore: 1})
		require.NoError(t, err)
	}

	res, err := e.RunGraduationExam(ctx, "bot", types.TierIntern, graduation.ModeStandard)
	require.NoError(t, err)
	require.True(t, res.Passed, "reasons: %v", res.FailureReasons)
	assert.Equal(t, 10, res.ScenariosRun)

	d, err = e.CheckPermission(ctx, "bot", 2)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingPropose, d.Routing, "no decision from the prior version")
	assert.Equal(t, types.TierIntern, d.Tier)

	results, err := e.ExamResults(ctx, "bot")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	require.NoError(t, e.VerifyAuditChain(ctx, "bot"))
}

func TestEngine_ProposalApprovalFeedsEpisode(t *testing.T) {
	e, rt := newEngine(t)
	ctx := testutil.TestContext(t)
	_, err := e.RegisterAgent(ctx, "bot", "Billing bot", "admin")
	require.NoError(t, err)
	_, err = e.OverrideTier(ctx, "bot", types.TierIntern, "admin", "pilot")
	require.NoError(t, err)

	out, err := e.SubmitTrigger(ctx, types.ActionRequest{AgentID: "bot", Complexity: 3, TriggerSource: types.TriggerWebhook})
	require.NoError(t, err)
	require.Equal(t, types.RoutingPropose, out.Routing)

	p, err := e.DecideProposal(ctx, out.ProposalID, true, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)
	assert.Equal(t, 1, rt.DispatchCount())

	e.OnComplete(ctx, execution.Event{HandleID: p.DispatchHandle})
	a, err := e.Agent(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.EpisodeCount)
	assert.Zero(t, a.InterventionCount)

	_, err = e.DecideProposal(ctx, out.ProposalID, false, "bob", "")
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))
	assert.Equal(t, 1, rt.DispatchCount())
}

func TestEngine_SupervisedSessionPauseThenTerminate(t *testing.T) {
	e, _ := newEngine(t)
	ctx := testutil.TestContext(t)
	_, err := e.RegisterAgent(ctx, "bot", "Ops bot", "admin")
	require.NoError(t, err)
	_, err = e.OverrideTier(ctx, "bot", types.TierSupervised, "admin", "pilot")
	require.NoError(t, err)

	out, err := e.SubmitTrigger(ctx, types.ActionRequest{AgentID: "bot", Complexity: 3, TriggerSource: types.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, types.RoutingSupervise, out.Routing)

	e.OnProgress(ctx, execution.Event{HandleID: out.SessionID, Progress: 0.3})
	_, err = e.SuperviseControl(ctx, out.SessionID, supervision.OpPause, nil)
	require.NoError(t, err)
	s, err := e.SuperviseControl(ctx, out.SessionID, supervision.OpTerminate, nil)
	require.NoError(t, err)
	assert.Equal(t, supervision.StateTerminated, s.State)
	assert.Len(t, s.InterventionEvents, 2)

	a, err := e.Agent(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.EpisodeCount)
	assert.Equal(t, int64(1), a.InterventionCount)

	_, err = e.SuperviseControl(ctx, out.SessionID, supervision.OpTerminate, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))
}

func TestEngine_AdminOperations(t *testing.T) {
	e, _ := newEngine(t)
	ctx := testutil.TestContext(t)
	_, err := e.RegisterAgent(ctx, "bot", "Ops bot", "admin")
	require.NoError(t, err)
	_, err = e.OverrideTier(ctx, "bot", types.TierAutonomous, "admin", "trusted")
	require.NoError(t, err)

	a, err := e.RestrictCapabilities(ctx, "bot", []types.ActionComplexity{1, 2}, "admin")
	require.NoError(t, err)
	assert.Equal(t, []types.ActionComplexity{1, 2}, a.Capabilities)

	d, err := e.CheckPermission(ctx, "bot", 4)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonCapabilityRevoked, d.ReasonCode)

	_, err = e.Deactivate(ctx, "bot", "admin")
	require.NoError(t, err)
	d, err = e.CheckPermission(ctx, "bot", 1)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonAgentDeactivated, d.ReasonCode)

	_, err = e.Reactivate(ctx, "bot", "admin")
	require.NoError(t, err)
	d, err = e.CheckPermission(ctx, "bot", 1)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingExecute, d.Routing)

	trail, err := e.AuditTrail(ctx, audit.Filter{AgentID: "bot"})
	require.NoError(t, err)
	assert.Len(t, trail, 5)
	assert.Equal(t, "closed", e.RegistryState().String())
}

func TestEngine_StartStop(t *testing.T) {
	e, _ := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Start(ctx)
	e.Start(ctx)
	e.Stop()
}
