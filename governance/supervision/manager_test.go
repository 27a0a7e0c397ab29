package supervision

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/testutil"
	"github.com/BaSui01/agentgov/testutil/mocks"
	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	manager  *Manager
	runtime  *mocks.MockRuntime
	router   *execution.Router
	audit    *audit.MemoryLog
	episodes *mocks.MockEpisodeRecorder
	notifier *mocks.MockNotifier
	clock    *atomic.Pointer[time.Time]
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		runtime:  mocks.NewMockRuntime(),
		router:   execution.NewRouter(nil, zap.NewNop()),
		audit:    audit.NewMemoryLog(zap.NewNop()),
		episodes: mocks.NewMockEpisodeRecorder(),
		notifier: mocks.NewMockNotifier(),
		clock:    &atomic.Pointer[time.Time]{},
	}
	start := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	h.clock.Store(&start)
	h.manager = NewManager(h.runtime, h.audit, cfg, zap.NewNop(),
		WithRouter(h.router),
		WithEpisodeRecorder(h.episodes),
		WithNotifier(h.notifier),
	)
	h.manager.now = func() time.Time { return *h.clock.Load() }
	return h
}

func (h *harness) advance(d time.Duration) {
	next := h.clock.Load().Add(d)
	h.clock.Store(&next)
}

func (h *harness) open(t *testing.T) *Session {
	t.Helper()
	s, err := h.manager.Open(testutil.TestContext(t), types.ActionRequest{
		AgentID: "sup-1", Complexity: 3, TriggerSource: types.TriggerEvent,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) auditTypes(t *testing.T, sessionID string) []audit.EventType {
	t.Helper()
	records, err := h.audit.Query(context.Background(), audit.Filter{RefID: sessionID})
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(records))
	for _, r := range records {
		out = append(out, r.EventType)
	}
	return out
}

func TestManager_OpenDispatchesWithSessionKey(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.open(t)

	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, s.ID, s.Handle.ID)
	assert.Equal(t, 1, h.runtime.DispatchCount())
	assert.Equal(t, 1, h.router.Len())
	assert.Equal(t, []audit.EventType{audit.EventSessionOpened}, h.auditTypes(t, s.ID))

	got, err := h.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = h.manager.Get("nope")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestManager_OpenDispatchFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.runtime.WithDispatchError(errors.New("stream full"))

	_, err := h.manager.Open(context.Background(), types.ActionRequest{AgentID: "sup-1", Complexity: 3, TriggerSource: types.TriggerEvent})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
	assert.Empty(t, h.manager.List(""))
	assert.Zero(t, h.router.Len())
}

func TestManager_PauseThenTerminate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := types.WithUserID(testutil.TestContext(t), "operator-7")
	s := h.open(t)

	paused, err := h.manager.Pause(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, paused.State)

	ended, err := h.manager.Terminate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, ended.State)
	require.NotNil(t, ended.EndedAt)
	assert.Empty(t, ended.Anomaly)

	require.Len(t, ended.InterventionEvents, 2)
	assert.Equal(t, OpPause, ended.InterventionEvents[0].Type)
	assert.Equal(t, OpTerminate, ended.InterventionEvents[1].Type)
	assert.Equal(t, "operator-7", ended.InterventionEvents[0].Actor)

	outcomes := h.episodes.Outcomes()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].HumanIntervened)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, types.EpisodeSupervision, outcomes[0].Source)

	ops := []string{}
	for _, c := range h.runtime.Controls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"pause", "cancel"}, ops)
	assert.Equal(t, []audit.EventType{
		audit.EventSessionOpened, audit.EventSessionPaused, audit.EventSessionTerminated,
	}, h.auditTypes(t, s.ID))
	assert.Zero(t, h.router.Len())
}

func TestManager_ControlsOnTerminalSessionConflict(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)
	_, err := h.manager.Terminate(ctx, s.ID)
	require.NoError(t, err)

	for _, op := range []Op{OpPause, OpResume, OpCorrect, OpTerminate} {
		_, err := h.manager.Control(ctx, s.ID, op, nil)
		assert.Truef(t, types.IsErrorCode(err, types.ErrConflict), "%s: %v", op, err)
	}

	got, err := h.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.InterventionEvents, 1)
	assert.Len(t, h.episodes.Outcomes(), 1)
	assert.Len(t, h.runtime.Controls(), 1)
}

func TestManager_IllegalTransitions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)

	_, err := h.manager.Resume(ctx, s.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "resume while running")

	_, err = h.manager.Pause(ctx, s.ID)
	require.NoError(t, err)
	_, err = h.manager.Pause(ctx, s.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "pause while paused")
	_, err = h.manager.Correct(ctx, s.ID, json.RawMessage(`{"step":"retry"}`))
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "correct while paused")

	resumed, err := h.manager.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, resumed.State)
	assert.Len(t, resumed.InterventionEvents, 2)

	_, err = h.manager.Control(ctx, s.ID, Op("rewind"), nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestManager_CorrectReturnsToRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)
	events, cancel, err := h.manager.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	got, err := h.manager.Correct(ctx, s.ID, json.RawMessage(`{"use":"replica"}`))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	require.Len(t, got.InterventionEvents, 1)
	assert.JSONEq(t, `{"use":"replica"}`, string(got.InterventionEvents[0].Payload))

	assert.Equal(t, StateCorrected, (<-events).State)
	assert.Equal(t, StateRunning, (<-events).State)

	controls := h.runtime.Controls()
	require.Len(t, controls, 1)
	assert.Equal(t, "correct", controls[0].Op)

	_, err = h.manager.Correct(ctx, s.ID, json.RawMessage(`{`))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestManager_TerminateCancellationTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CancelGrace = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.runtime.WithCancel(func(ctx context.Context, _ execution.Handle) error {
		<-ctx.Done()
		return execution.ErrNotAcknowledged
	})
	s := h.open(t)

	ended, err := h.manager.Terminate(testutil.TestContext(t), s.ID)
	require.NoError(t, err, "anomaly is recorded, not returned")
	assert.Equal(t, StateTerminated, ended.State)
	assert.Contains(t, ended.Anomaly, "not acknowledged")
	assert.Contains(t, h.auditTypes(t, s.ID), audit.EventSessionAnomaly)
	require.Eventually(t, func() bool { return h.notifier.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_RuntimeCallbacks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)

	execution.Deliver(ctx, h.router, execution.Event{HandleID: s.Handle.ID, Kind: execution.EventProgress, Progress: 0.5})
	got, _ := h.manager.Get(s.ID)
	assert.InDelta(t, 0.5, got.Progress, 1e-9)

	compliance := 0.9
	execution.Deliver(ctx, h.router, execution.Event{HandleID: s.Handle.ID, Kind: execution.EventComplete, Compliance: &compliance})
	got, _ = h.manager.Get(s.ID)
	assert.Equal(t, StateCompleted, got.State)

	outcomes := h.episodes.Outcomes()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[0].HumanIntervened)
	assert.InDelta(t, 0.9, outcomes[0].ComplianceScore, 1e-9)

	// Late callbacks for a finished session are ignored.
	h.manager.OnError(ctx, execution.Event{HandleID: s.Handle.ID, Kind: execution.EventError})
	got, _ = h.manager.Get(s.ID)
	assert.Equal(t, StateCompleted, got.State)
	assert.Len(t, h.episodes.Outcomes(), 1)
	assert.Zero(t, h.router.Len())
}

func TestManager_RuntimeErrorTerminatesWithAnomaly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)

	h.manager.OnError(ctx, execution.Event{HandleID: s.Handle.ID, Kind: execution.EventError, Message: "tool crashed"})
	got, err := h.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "tool crashed", got.Anomaly)
	assert.Equal(t, []audit.EventType{
		audit.EventSessionOpened, audit.EventSessionFailed, audit.EventSessionAnomaly,
	}, h.auditTypes(t, s.ID))

	h.manager.OnProgress(ctx, execution.Event{HandleID: "unknown"})
}

func TestManager_SubscribeDeliversInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	s := h.open(t)
	events, _, err := h.manager.Subscribe(s.ID)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		h.manager.OnProgress(ctx, execution.Event{HandleID: s.Handle.ID, Progress: float64(i) / 10})
	}
	_, err = h.manager.Terminate(ctx, s.ID)
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 11)
	for i := 0; i < 10; i++ {
		assert.Equal(t, EventProgress, got[i].Type)
		assert.InDelta(t, float64(i+1)/10, got[i].Progress, 1e-9)
	}
	assert.Equal(t, StateTerminated, got[10].State)

	late, _, err := h.manager.Subscribe(s.ID)
	require.NoError(t, err)
	final, ok := <-late
	require.True(t, ok)
	assert.Equal(t, StateTerminated, final.State)
	_, ok = <-late
	assert.False(t, ok)
}

func TestManager_SlowSubscriberDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberBuffer = 2
	h := newHarness(t, cfg)
	ctx := testutil.TestContext(t)
	s := h.open(t)
	events, cancel, err := h.manager.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.manager.OnProgress(ctx, execution.Event{HandleID: s.Handle.ID, Progress: float64(i)})
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2, "buffered events are kept, the rest close the channel")
	assert.InDelta(t, 0, got[0].Progress, 1e-9)
	assert.InDelta(t, 1, got[1].Progress, 1e-9)
}

func TestManager_StallDetection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx := testutil.TestContext(t)
	s := h.open(t)

	assert.Zero(t, h.manager.CheckStalls(ctx, *h.clock.Load()))

	h.advance(2 * time.Minute)
	assert.Equal(t, 1, h.manager.CheckStalls(ctx, *h.clock.Load()))
	assert.Zero(t, h.manager.CheckStalls(ctx, *h.clock.Load()), "flagged once")

	got, _ := h.manager.Get(s.ID)
	assert.True(t, got.Stalled)
	assert.Equal(t, StateRunning, got.State, "stalls never terminate")
	assert.Contains(t, h.auditTypes(t, s.ID), audit.EventSessionStalled)

	h.manager.OnProgress(ctx, execution.Event{HandleID: s.Handle.ID, Progress: 0.2, At: *h.clock.Load()})
	got, _ = h.manager.Get(s.ID)
	assert.False(t, got.Stalled)
}

func TestManager_ResumeRestartsStallClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx := testutil.TestContext(t)
	s := h.open(t)

	_, err := h.manager.Pause(ctx, s.ID)
	require.NoError(t, err)
	h.advance(10 * time.Minute)
	assert.Zero(t, h.manager.CheckStalls(ctx, *h.clock.Load()), "paused sessions are not stalled")

	resumed, err := h.manager.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, *h.clock.Load(), resumed.LastProgressAt)
	assert.Zero(t, h.manager.CheckStalls(ctx, *h.clock.Load()), "a long pause does not count as a stall")

	h.advance(30 * time.Second)
	assert.Zero(t, h.manager.CheckStalls(ctx, *h.clock.Load()))
	h.advance(time.Minute)
	assert.Equal(t, 1, h.manager.CheckStalls(ctx, *h.clock.Load()))
}

func TestManager_TombstonesExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TombstoneTTL = time.Hour
	h := newHarness(t, cfg)
	ctx := testutil.TestContext(t)
	s := h.open(t)
	_, err := h.manager.Terminate(ctx, s.ID)
	require.NoError(t, err)

	h.advance(30 * time.Minute)
	h.manager.CheckStalls(ctx, *h.clock.Load())
	_, err = h.manager.Terminate(ctx, s.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))

	h.advance(time.Hour)
	h.manager.CheckStalls(ctx, *h.clock.Load())
	_, err = h.manager.Get(s.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("terminate")
	require.NoError(t, err)
	assert.Equal(t, OpTerminate, op)

	_, err = ParseOp("kill")
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}
