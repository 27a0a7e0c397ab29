package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/internal/cache"
	"github.com/BaSui01/agentgov/testutil"
	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// fakeSource serves agent snapshots and counts loads.
type fakeSource struct {
	mu     sync.Mutex
	agents map[string]*types.Agent
	loads  atomic.Int64
	err    error
	delay  time.Duration
}

func newFakeSource(agents ...*types.Agent) *fakeSource {
	s := &fakeSource{agents: make(map[string]*types.Agent)}
	for _, a := range agents {
		s.agents[a.ID] = a
	}
	return s
}

func (s *fakeSource) Get(_ context.Context, id string) (*types.Agent, error) {
	s.loads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, types.NewNotFoundError("agent", id)
	}
	return a.Clone(), nil
}

// mutate changes the stored agent and bumps its version.
func (s *fakeSource) mutate(id string, fn func(a *types.Agent)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[id]
	fn(a)
	a.ConfigVersion++
	return a.ConfigVersion
}

func agent(id string, tier types.MaturityTier) *types.Agent {
	return &types.Agent{ID: id, Tier: tier, Capabilities: Ceiling(tier), ConfigVersion: 1, Active: true}
}

func TestCache_HitAfterMiss(t *testing.T) {
	src := newFakeSource(agent("a", types.TierIntern))
	c := NewCache(src, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	d, err := c.Check(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingPropose, d.Routing)
	assert.Equal(t, types.DecisionKey("a", 2, 1), d.CacheKey)
	assert.Equal(t, types.TierIntern, d.Tier)

	d, err = c.Check(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingExecute, d.Routing)
	assert.Equal(t, int64(1), src.loads.Load(), "one load fills every complexity")
	assert.Equal(t, 1, c.Len())
}

func TestCache_RejectsInvalidComplexity(t *testing.T) {
	c := NewCache(newFakeSource(), DefaultConfig(), nil)
	_, err := c.Check(context.Background(), "a", 5)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestCache_SourceErrorsPassThrough(t *testing.T) {
	src := newFakeSource()
	c := NewCache(src, DefaultConfig(), zap.NewNop())

	_, err := c.Check(context.Background(), "ghost", 1)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	src.err = types.NewDegradedModeError("registry down", errors.New("dial tcp"))
	_, err = c.Check(context.Background(), "ghost", 1)
	assert.True(t, types.IsErrorCode(err, types.ErrDegradedMode))
	assert.Zero(t, c.Len(), "failures are never cached")
}

func TestCache_InvalidateServesNewVersion(t *testing.T) {
	src := newFakeSource(agent("a", types.TierStudent))
	c := NewCache(src, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	d, err := c.Check(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingBlock, d.Routing)

	v := src.mutate("a", func(a *types.Agent) {
		a.Tier = types.TierSupervised
		a.Capabilities = Ceiling(types.TierSupervised)
	})
	c.Invalidate(ctx, "a", v)

	d, err = c.Check(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingSupervise, d.Routing)
	assert.Equal(t, v, d.ConfigVersion)
}

func TestCache_StaleInvalidationIsIgnored(t *testing.T) {
	src := newFakeSource(agent("a", types.TierIntern))
	c := NewCache(src, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	c.Invalidate(ctx, "a", 1)
	_, err := c.Check(ctx, "a", 1)
	require.NoError(t, err)
	c.Invalidate(ctx, "a", 1)
	_, err = c.Check(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.loads.Load())
}

func TestCache_RefusesSnapshotBelowFloor(t *testing.T) {
	src := newFakeSource(agent("a", types.TierIntern))
	c := NewCache(src, DefaultConfig(), zap.NewNop())

	// The store lags behind an invalidation this node already applied.
	c.Invalidate(context.Background(), "a", 5)
	_, err := c.Check(context.Background(), "a", 1)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Equal(t, int64(maxStaleLoads), src.loads.Load())
}

func TestCache_CollapsesConcurrentMisses(t *testing.T) {
	src := newFakeSource(agent("a", types.TierAutonomous))
	src.delay = 50 * time.Millisecond
	c := NewCache(src, DefaultConfig(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Check(context.Background(), "a", types.ActionComplexity(i%4+1))
			assert.NoError(t, err)
			assert.Equal(t, types.RoutingExecute, d.Routing)
		}(i)
	}
	wg.Wait()
	assert.Less(t, src.loads.Load(), int64(20))
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []cache.Invalidation
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, agentID string, version uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, cache.Invalidation{AgentID: agentID, Version: version})
	return p.err
}

func TestCache_PublishesInvalidations(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	c := NewCache(newFakeSource(), DefaultConfig(), zap.NewNop(), WithPublisher(pub))

	c.Invalidate(context.Background(), "a", 2)
	c.Invalidate(context.Background(), "a", 2)
	assert.Len(t, pub.sent, 1, "duplicate versions are not rebroadcast")
}

func TestCache_ListenAppliesRemoteInvalidations(t *testing.T) {
	client, mr := testutil.NewTestRedis(t)
	remote := cache.NewInvalidationBus(client, "", "node-b", zap.NewNop())
	local := cache.NewInvalidationBus(client, "", "node-a", zap.NewNop())

	src := newFakeSource(agent("a", types.TierStudent))
	c := NewCache(src, DefaultConfig(), zap.NewNop(), WithPublisher(local))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.Check(ctx, "a", 2)
	require.NoError(t, err)

	go func() { _ = c.Listen(ctx, local) }()
	require.Eventually(t, func() bool { return len(mr.PubSubChannels("")) > 0 }, 2*time.Second, 10*time.Millisecond)

	v := src.mutate("a", func(a *types.Agent) {
		a.Tier = types.TierIntern
		a.Capabilities = Ceiling(types.TierIntern)
	})
	require.NoError(t, remote.Publish(ctx, "a", v))

	require.Eventually(t, func() bool {
		d, err := c.Check(ctx, "a", 2)
		return err == nil && d.Routing == types.RoutingPropose
	}, 2*time.Second, 10*time.Millisecond)
}

// After Invalidate(v) returns, no check serves a decision older than v.
func TestProperty_NoDecisionBelowInvalidatedVersion(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		src := newFakeSource(agent("a", types.TierStudent))
		c := NewCache(src, Config{Shards: rapid.IntRange(1, 8).Draw(rt, "shards")}, zap.NewNop())
		ctx := context.Background()
		var floor uint64 = 1

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				tier := rapid.SampledFrom(types.Tiers).Draw(rt, "tier")
				floor = src.mutate("a", func(a *types.Agent) {
					a.Tier = tier
					a.Capabilities = Ceiling(tier)
				})
				c.Invalidate(ctx, "a", floor)
			case 1:
				active := rapid.Bool().Draw(rt, "active")
				floor = src.mutate("a", func(a *types.Agent) { a.Active = active })
				c.Invalidate(ctx, "a", floor)
			default:
				cx := rapid.SampledFrom(types.Complexities).Draw(rt, "complexity")
				d, err := c.Check(ctx, "a", cx)
				if err != nil {
					rt.Fatalf("check: %v", err)
				}
				if d.ConfigVersion < floor {
					rt.Fatalf("served version %d below floor %d", d.ConfigVersion, floor)
				}
				cur, _ := src.Get(ctx, "a")
				want, _, _ := Decide(cur, cx)
				if d.Routing != want {
					rt.Fatalf("routing %s, want %s", d.Routing, want)
				}
			}
		}
	})
}

func TestCache_ConcurrentChecksDuringPromotion(t *testing.T) {
	src := newFakeSource(agent("a", types.TierStudent))
	c := NewCache(src, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	var floor atomic.Uint64
	floor.Store(1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				min := floor.Load()
				d, err := c.Check(ctx, "a", 2)
				if assert.NoError(t, err) {
					assert.GreaterOrEqual(t, d.ConfigVersion, min)
				}
			}
		}()
	}

	for _, tier := range []types.MaturityTier{types.TierIntern, types.TierSupervised, types.TierAutonomous} {
		v := src.mutate("a", func(a *types.Agent) {
			a.Tier = tier
			a.Capabilities = Ceiling(tier)
		})
		c.Invalidate(ctx, "a", v)
		floor.Store(v)
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	d, err := c.Check(ctx, "a", 4)
	require.NoError(t, err)
	assert.Equal(t, types.RoutingExecute, d.Routing)
}
