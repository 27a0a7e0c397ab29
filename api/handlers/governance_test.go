package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/governance"
	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/testutil/mocks"
	"github.com/BaSui01/agentgov/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiFixture struct {
	engine  *governance.Engine
	runtime *mocks.MockRuntime
	mux     *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	rt := mocks.NewMockRuntime()
	e, err := governance.New(governance.Deps{
		Registry: maturity.NewMemoryRegistry(),
		Audit:    audit.NewMemoryLog(zap.NewNop()),
		Runtime:  rt,
		Notifier: mocks.NewMockNotifier(),
	}, governance.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	mux := http.NewServeMux()
	logger := zap.NewNop()
	NewAgentHandler(e, logger).Register(mux)
	NewTriggerHandler(e, logger).Register(mux)
	NewProposalHandler(e, logger).Register(mux)
	NewExamHandler(e, logger).Register(mux)
	NewAuditHandler(e, logger).Register(mux)
	NewSessionHandler(e, logger).Register(mux)
	NewRuntimeHandler(e, "secret", logger).Register(mux)
	NewConfigHandler(func() map[string]any { return map[string]any{"jwt": map[string]any{"secret": "***"}} }, logger).Register(mux)
	return &apiFixture{engine: e, runtime: rt, mux: mux}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, rdr)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(r)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func dataAs[T any](t *testing.T, resp Response) T {
	t.Helper()
	b, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func asPrincipal(id string, roles ...string) func(*http.Request) {
	return func(r *http.Request) {
		ctx := types.WithRoles(types.WithUserID(r.Context(), id), roles)
		*r = *r.WithContext(ctx)
	}
}

func (f *apiFixture) register(t *testing.T, id string, tier types.MaturityTier) {
	t.Helper()
	w, _ := f.do(t, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{ID: id, Name: id})
	require.Equal(t, http.StatusCreated, w.Code)
	if tier != types.TierStudent {
		w, _ = f.do(t, http.MethodPut, "/api/v1/agents/"+id+"/tier", OverrideTierRequest{Tier: string(tier), Reason: "test"})
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestAPI_StudentTriggerBlocked(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierStudent)

	w, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 3, TriggerSource: types.TriggerScheduled})
	assert.Equal(t, http.StatusForbidden, w.Code)
	out := dataAs[map[string]any](t, resp)
	assert.Equal(t, "BLOCK", out["routing"])
	assert.Equal(t, types.ReasonTierInsufficient, out["reason_code"])
	assert.Equal(t, types.RemediationRequiresTraining, out["remediation"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/agents/bot/audit?event_type=trigger_blocked", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, dataAs[[]audit.Record](t, resp), 1)
}

func TestAPI_TriggerValidation(t *testing.T) {
	f := newAPIFixture(t)
	w, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 9, TriggerSource: types.TriggerManual})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
}

func TestAPI_ProposalLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierIntern)

	w, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 2, TriggerSource: types.TriggerWebhook})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := dataAs[map[string]any](t, resp)["proposal_id"].(string)

	w, resp = f.do(t, http.MethodGet, "/api/v1/proposals?status=PENDING&agent_id=bot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, dataAs[[]map[string]any](t, resp), 1)

	w, _ = f.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/decision", DecideProposalRequest{Approve: true},
		asPrincipal("mallory", "viewer"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, f.runtime.DispatchCount())

	w, resp = f.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/decision", DecideProposalRequest{Approve: true, DecidedBy: "spoofed"},
		asPrincipal("alice", RoleApprover))
	require.Equal(t, http.StatusOK, w.Code)
	p := dataAs[map[string]any](t, resp)
	assert.Equal(t, "APPROVED", p["status"])
	assert.Equal(t, "alice", p["decided_by"])
	assert.Equal(t, 1, f.runtime.DispatchCount())

	w, resp = f.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/decision", DecideProposalRequest{Approve: false},
		asPrincipal("bob", RoleApprover))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrConflict), resp.Error.Code)
	assert.Equal(t, 1, f.runtime.DispatchCount())
}

func TestAPI_DecideRequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierIntern)
	_, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 2, TriggerSource: types.TriggerWebhook})
	id := dataAs[map[string]any](t, resp)["proposal_id"].(string)

	w, _ := f.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/decision", DecideProposalRequest{Approve: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_SupervisionControlsAndCallbacks(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierSupervised)

	w, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 3, TriggerSource: types.TriggerEvent})
	require.Equal(t, http.StatusAccepted, w.Code)
	sid := dataAs[map[string]any](t, resp)["session_id"].(string)

	w, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/explode", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/terminate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	s := dataAs[map[string]any](t, resp)
	assert.Equal(t, "TERMINATED", s["state"])
	assert.Len(t, s["intervention_events"], 2)

	w, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/terminate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = f.do(t, http.MethodGet, "/api/v1/agents/bot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	a := dataAs[types.Agent](t, resp)
	assert.Equal(t, int64(1), a.EpisodeCount)
	assert.Equal(t, int64(1), a.InterventionCount)
}

func TestAPI_RuntimeCallbackToken(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierAutonomous)

	w, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 4, TriggerSource: types.TriggerManual})
	require.Equal(t, http.StatusOK, w.Code)
	handle := dataAs[map[string]any](t, resp)["execution_handle"].(map[string]any)["id"].(string)

	event := map[string]any{"handle_id": handle, "kind": "complete", "compliance": 0.9}
	w, _ = f.do(t, http.MethodPost, "/api/v1/runtime/events", event)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/runtime/events", event, func(r *http.Request) {
		r.Header.Set("X-Runtime-Token", "secret")
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	a, err := f.engine.Agent(context.Background(), "bot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.EpisodeCount)
}

func TestAPI_AdminAndPermissions(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierAutonomous)

	w, _ := f.do(t, http.MethodPut, "/api/v1/agents/bot/capabilities", RestrictCapabilitiesRequest{Capabilities: []types.ActionComplexity{1, 2}},
		asPrincipal("eve", RoleApprover))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPut, "/api/v1/agents/bot/capabilities", RestrictCapabilitiesRequest{Capabilities: []types.ActionComplexity{1, 2}},
		asPrincipal("root", RoleAdmin))
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := f.do(t, http.MethodGet, "/api/v1/agents/bot/permissions/4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := dataAs[types.GovernanceDecision](t, resp)
	assert.Equal(t, types.RoutingBlock, d.Routing)
	assert.Equal(t, types.ReasonCapabilityRevoked, d.ReasonCode)

	w, _ = f.do(t, http.MethodGet, "/api/v1/agents/bot/permissions/x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/agents/bot/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, resp = f.do(t, http.MethodGet, "/api/v1/agents?active_only=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, dataAs[[]types.Agent](t, resp))

	w, resp = f.do(t, http.MethodGet, "/api/v1/agents/bot/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, dataAs[ChainStatus](t, resp).Valid)

	w, _ = f.do(t, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = f.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp.Data, "jwt")
}

func TestAPI_ExamAndEpisodes(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierStudent)

	for i := 0; i < 10; i++ {
		w, _ := f.do(t, http.MethodPost, "/api/v1/agents/bot/episodes", RecordEpisodeRequest{Success: true, ComplianceScore: 1})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, _ := f.do(t, http.MethodPost, "/api/v1/agents/bot/exams", RunExamRequest{Target: "autonomous"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "target must be the next tier")

	w, resp := f.do(t, http.MethodPost, "/api/v1/agents/bot/exams", RunExamRequest{Target: "intern"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, dataAs[map[string]any](t, resp)["passed"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/agents/bot/exams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, dataAs[[]map[string]any](t, resp), 1)

	w, resp = f.do(t, http.MethodGet, "/api/v1/agents/bot/permissions/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.RoutingPropose, dataAs[types.GovernanceDecision](t, resp).Routing)
}

func TestAPI_SessionStream(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bot", types.TierSupervised)
	_, resp := f.do(t, http.MethodPost, "/api/v1/triggers",
		types.ActionRequest{AgentID: "bot", Complexity: 3, TriggerSource: types.TriggerEvent})
	sid := dataAs[map[string]any](t, resp)["session_id"].(string)

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/sessions/"+sid+"/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	first := read()
	assert.Equal(t, "state", first["type"])
	assert.Equal(t, "RUNNING", first["state"])

	_, err = f.engine.SuperviseControl(ctx, sid, "pause", nil)
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", read()["state"])

	_, err = f.engine.SuperviseControl(ctx, sid, "terminate", nil)
	require.NoError(t, err)
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
}

func TestAPI_SessionStreamUnknown(t *testing.T) {
	f := newAPIFixture(t)
	w, _ := f.do(t, http.MethodGet, "/api/v1/sessions/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
