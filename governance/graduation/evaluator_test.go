package graduation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/episode"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/governance/permission"
	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/testutil"
	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// batteryRunner returns n scenarios; the first critical of them are critical
// and the last failing ones error.
type batteryRunner struct {
	n        int
	critical int
	failing  int
}

func (r batteryRunner) Prepare(_ context.Context, _ *types.Agent, _ types.MaturityTier, size int) ([]Scenario, error) {
	n := r.n
	if n < 0 {
		n = size
	}
	out := make([]Scenario, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, func(context.Context) (ScenarioOutcome, error) {
			if i >= n-r.failing {
				return ScenarioOutcome{}, errors.New("sandbox unavailable")
			}
			return ScenarioOutcome{Critical: i < r.critical}, nil
		})
	}
	return out, nil
}

type countingInvalidator struct{ versions []uint64 }

func (c *countingInvalidator) Invalidate(_ context.Context, _ string, version uint64) {
	c.versions = append(c.versions, version)
}

type fixture struct {
	evaluator   *Evaluator
	classifier  *maturity.Classifier
	registry    maturity.Registry
	audit       audit.Log
	results     Store
	invalidator *countingInvalidator
}

func newFixture(t *testing.T, runner ScenarioRunner, useGorm bool) *fixture {
	t.Helper()
	f := &fixture{invalidator: &countingInvalidator{}}
	var opts []maturity.Option
	if useGorm {
		db := testutil.NewTestDB(t)
		reg := maturity.NewGormRegistry(db)
		require.NoError(t, reg.AutoMigrate())
		log := audit.NewGormLog(db, zap.NewNop())
		require.NoError(t, log.AutoMigrate())
		results := NewGormStore(db)
		require.NoError(t, results.AutoMigrate())
		f.registry, f.audit, f.results = reg, log, results
		opts = append(opts, maturity.WithTransactor(database.GormTransactor{DB: db}))
	} else {
		f.registry = maturity.NewMemoryRegistry()
		f.audit = audit.NewMemoryLog(zap.NewNop())
		f.results = NewMemoryStore()
	}
	f.classifier = maturity.NewClassifier(f.registry, f.audit, maturity.DefaultConfig(), zap.NewNop(), opts...)
	f.classifier.SetInvalidator(f.invalidator)
	f.evaluator = NewEvaluator(f.classifier, runner, f.results, f.audit, DefaultConfig(), zap.NewNop())
	return f
}

func (f *fixture) seed(t *testing.T, tier types.MaturityTier, episodes, interventions int64, compliance float64) *types.Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &types.Agent{
		ID:                "grad-1",
		Name:              "Reconciler",
		Tier:              tier,
		EpisodeCount:      episodes,
		InterventionCount: interventions,
		ComplianceScore:   compliance,
		Capabilities:      permission.Ceiling(tier),
		ConfigVersion:     3,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, f.registry.Create(context.Background(), a))
	return a
}

func TestEvaluate_InsufficientHistoryFails(t *testing.T) {
	f := newFixture(t, batteryRunner{n: -1}, false)
	f.seed(t, types.TierIntern, 10, 5, 0.72)
	ctx := testutil.TestContext(t)

	res, err := f.evaluator.Evaluate(ctx, "grad-1", types.TierSupervised, ModeStandard)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 25, res.BatterySize)
	assert.Equal(t, 25, res.ScenariosRun)
	assert.Zero(t, res.CriticalErrors)
	// 0.4·0.4 + 0.3·0.5 + 0.3·0.72
	assert.InDelta(t, 0.526, res.ReadinessScore, 1e-9)
	assert.Contains(t, res.FailureReasons, "insufficient episodes: 10 < 25")

	a, err := f.classifier.Get(ctx, "grad-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierIntern, a.Tier)
	assert.Equal(t, uint64(3), a.ConfigVersion)
	assert.Empty(t, f.invalidator.versions)

	records, err := f.audit.Query(ctx, audit.Filter{AgentID: "grad-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.EventExamFailed, records[0].EventType)
	assert.Equal(t, res.ID, records[0].RefID)

	stored, err := f.evaluator.Results(ctx, "grad-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Passed)
}

func TestEvaluate_PassPromotes(t *testing.T) {
	for _, useGorm := range []bool{false, true} {
		name := "memory"
		if useGorm {
			name = "gorm"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, batteryRunner{n: -1}, useGorm)
			f.seed(t, types.TierIntern, 30, 3, 0.9)
			ctx := testutil.TestContext(t)

			res, err := f.evaluator.Evaluate(ctx, "grad-1", types.TierSupervised, "")
			require.NoError(t, err)
			assert.True(t, res.Passed, "reasons: %v", res.FailureReasons)
			assert.Equal(t, ModeStandard, res.Mode)
			assert.InDelta(t, 0.94, res.ReadinessScore, 1e-9)

			a, err := f.classifier.Get(ctx, "grad-1")
			require.NoError(t, err)
			assert.Equal(t, types.TierSupervised, a.Tier)
			assert.Equal(t, permission.Ceiling(types.TierSupervised), a.Capabilities)
			assert.Equal(t, uint64(4), a.ConfigVersion)
			assert.Equal(t, []uint64{4}, f.invalidator.versions)

			records, err := f.audit.Query(ctx, audit.Filter{AgentID: "grad-1", EventTypes: []audit.EventType{audit.EventTierPromoted}})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, res.ID, records[0].RefID)

			stored, err := f.evaluator.Results(ctx, "grad-1")
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.True(t, stored[0].Passed)
		})
	}
}

// interferingRunner 在准备考题时先执行 before，模拟考试期间的并发修改。
type interferingRunner struct {
	batteryRunner
	before func(ctx context.Context) error
}

func (r interferingRunner) Prepare(ctx context.Context, agent *types.Agent, target types.MaturityTier, size int) ([]Scenario, error) {
	if err := r.before(ctx); err != nil {
		return nil, err
	}
	return r.batteryRunner.Prepare(ctx, agent, target, size)
}

func TestEvaluate_ChangeDuringExamBlocksPromotion(t *testing.T) {
	cases := map[string]struct {
		change func(ctx context.Context, c *maturity.Classifier) error
		reason string
		check  func(t *testing.T, a *types.Agent)
	}{
		"deactivated": {
			change: func(ctx context.Context, c *maturity.Classifier) error {
				_, err := c.SetActive(ctx, "grad-1", false, "root")
				return err
			},
			reason: "deactivated",
			check:  func(t *testing.T, a *types.Agent) { assert.False(t, a.Active) },
		},
		"capabilities restricted": {
			change: func(ctx context.Context, c *maturity.Classifier) error {
				_, err := c.RestrictCapabilities(ctx, "grad-1", []types.ActionComplexity{1}, "root")
				return err
			},
			reason: "config version",
			check: func(t *testing.T, a *types.Agent) {
				assert.Equal(t, []types.ActionComplexity{1}, a.Capabilities)
			},
		},
		"interventions recorded": {
			change: func(ctx context.Context, c *maturity.Classifier) error {
				for i := 0; i < 6; i++ {
					if _, err := c.RecordEpisode(ctx, types.EpisodeOutcome{
						AgentID: "grad-1", HumanIntervened: true, ComplianceScore: 0.9,
					}); err != nil {
						return err
					}
				}
				return nil
			},
			reason: "no longer qualifies",
			check:  func(t *testing.T, a *types.Agent) { assert.Equal(t, int64(36), a.EpisodeCount) },
		},
	}
	for name, tc := range cases {
		for _, useGorm := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/gorm=%v", name, useGorm), func(t *testing.T) {
				f := newFixture(t, nil, useGorm)
				f.evaluator.runner = interferingRunner{
					batteryRunner: batteryRunner{n: -1},
					before:        func(ctx context.Context) error { return tc.change(ctx, f.classifier) },
				}
				f.seed(t, types.TierIntern, 30, 3, 0.9)
				ctx := testutil.TestContext(t)

				res, err := f.evaluator.Evaluate(ctx, "grad-1", types.TierSupervised, ModeStandard)
				require.NoError(t, err)
				assert.False(t, res.Passed)
				require.NotEmpty(t, res.FailureReasons)
				assert.Contains(t, res.FailureReasons[len(res.FailureReasons)-1], tc.reason)

				a, err := f.classifier.Get(ctx, "grad-1")
				require.NoError(t, err)
				assert.Equal(t, types.TierIntern, a.Tier)
				tc.check(t, a)

				promoted, err := f.audit.Query(ctx, audit.Filter{AgentID: "grad-1", EventTypes: []audit.EventType{audit.EventTierPromoted}})
				require.NoError(t, err)
				assert.Empty(t, promoted)
				failed, err := f.audit.Query(ctx, audit.Filter{AgentID: "grad-1", EventTypes: []audit.EventType{audit.EventExamFailed}})
				require.NoError(t, err)
				assert.Len(t, failed, 1)

				stored, err := f.evaluator.Results(ctx, "grad-1")
				require.NoError(t, err)
				require.Len(t, stored, 1)
				assert.False(t, stored[0].Passed)
			})
		}
	}
}

func TestMeetsReadiness(t *testing.T) {
	assert.True(t, meetsReadiness(0.95, 0.95))
	assert.True(t, meetsReadiness(0.4*1+0.3*1+0.3*0.8333333333333334, 0.95))
	assert.False(t, meetsReadiness(0.9499996, 0.95), "sub-threshold scores never round up into a pass")
	assert.False(t, meetsReadiness(0.6999999, 0.70))
}

func TestEvaluate_CriticalErrorIsAutomaticFail(t *testing.T) {
	f := newFixture(t, batteryRunner{n: -1, critical: 1}, false)
	f.seed(t, types.TierIntern, 30, 0, 1)

	res, err := f.evaluator.Evaluate(testutil.TestContext(t), "grad-1", types.TierSupervised, ModeStandard)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.CriticalErrors)
	assert.Equal(t, []string{"critical errors: 1"}, res.FailureReasons)
}

func TestEvaluate_UnrunScenariosFail(t *testing.T) {
	f := newFixture(t, batteryRunner{n: -1, failing: 2}, false)
	f.seed(t, types.TierIntern, 30, 0, 1)

	res, err := f.evaluator.Evaluate(testutil.TestContext(t), "grad-1", types.TierSupervised, ModeStandard)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 23, res.ScenariosRun)
	assert.Equal(t, []string{"only 23 of 25 scenarios ran"}, res.FailureReasons)
}

func TestEvaluate_TargetMustBeNextTier(t *testing.T) {
	f := newFixture(t, batteryRunner{n: -1}, false)
	f.seed(t, types.TierIntern, 60, 0, 1)
	ctx := testutil.TestContext(t)

	for _, target := range []types.MaturityTier{types.TierStudent, types.TierIntern, types.TierAutonomous} {
		_, err := f.evaluator.Evaluate(ctx, "grad-1", target, ModeStandard)
		assert.Truef(t, types.IsErrorCode(err, types.ErrValidation), "%s: %v", target, err)
	}
	_, err := f.evaluator.Evaluate(ctx, "grad-1", types.TierSupervised, Mode("marathon"))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	_, err = f.evaluator.Evaluate(ctx, "ghost", types.TierSupervised, ModeStandard)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestEvaluate_CalibrationBattery(t *testing.T) {
	f := newFixture(t, batteryRunner{n: -1}, false)
	f.seed(t, types.TierSupervised, 80, 0, 0.99)

	res, err := f.evaluator.Evaluate(testutil.TestContext(t), "grad-1", types.TierAutonomous, ModeCalibration)
	require.NoError(t, err)
	assert.Equal(t, 500, res.BatterySize)
	assert.Equal(t, 500, res.ScenariosRun)
	assert.True(t, res.Passed, "reasons: %v", res.FailureReasons)
}

func TestReplayRunner(t *testing.T) {
	store := episode.NewMemoryStore(0)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		require.NoError(t, store.Append(ctx, types.EpisodeOutcome{
			AgentID:           "grad-1",
			Success:           true,
			ComplianceScore:   1,
			CriticalViolation: i == 11,
			Source:            types.EpisodeExecute,
			At:                base.Add(time.Duration(i) * time.Minute),
		}))
	}

	f := newFixture(t, NewReplayRunner(store), false)
	f.seed(t, types.TierStudent, 12, 0, 1)

	res, err := f.evaluator.Evaluate(ctx, "grad-1", types.TierIntern, ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, 10, res.ScenariosRun)
	assert.Equal(t, 1, res.CriticalErrors, "the newest episode was critical")
	assert.False(t, res.Passed)

	scenarios, err := NewReplayRunner(store).Prepare(ctx, &types.Agent{ID: "grad-1"}, types.TierSupervised, 25)
	require.NoError(t, err)
	assert.Len(t, scenarios, 12, "missing history leaves scenarios unrun")
}

func TestEvaluate_NeverPromotesBelowThreshold(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		episodes := rapid.Int64Range(0, 80).Draw(rt, "episodes")
		interventions := rapid.Int64Range(0, episodes).Draw(rt, "interventions")
		compliance := rapid.Float64Range(0, 1).Draw(rt, "compliance")
		critical := rapid.IntRange(0, 3).Draw(rt, "critical")

		f := newFixture(t, batteryRunner{n: -1, critical: critical}, false)
		seeded := f.seed(t, types.TierIntern, episodes, interventions, compliance)

		res, err := f.evaluator.Evaluate(context.Background(), "grad-1", types.TierSupervised, ModeStandard)
		if err != nil {
			rt.Fatalf("evaluate: %v", err)
		}
		readiness := maturity.Readiness(seeded, types.TierSupervised)
		if (critical > 0 || readiness+1e-9 < PassingReadiness[types.TierSupervised]) && res.Passed {
			rt.Fatalf("passed with readiness %.3f and %d critical errors", readiness, critical)
		}
		a, _ := f.classifier.Get(context.Background(), "grad-1")
		if !res.Passed && a.Tier != types.TierIntern {
			rt.Fatalf("failed exam changed tier to %s", a.Tier)
		}
	})
}

func TestParseModeAndBatterySize(t *testing.T) {
	m, err := ParseMode(" Calibration ")
	require.NoError(t, err)
	assert.Equal(t, ModeCalibration, m)
	assert.Equal(t, 10, BatterySize(types.TierIntern, ModeStandard))
	assert.Equal(t, 250, BatterySize(types.TierSupervised, ModeCalibration))
	assert.Zero(t, BatterySize(types.TierStudent, ModeStandard))
}
