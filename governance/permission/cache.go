package permission

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BaSui01/agentgov/internal/cache"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source 缓存未命中时加载当前智能体快照
type Source interface {
	Get(ctx context.Context, agentID string) (*types.Agent, error)
}

// Publisher 向其他节点广播失效
type Publisher interface {
	Publish(ctx context.Context, agentID string, version uint64) error
}

// Subscriber 投递其他节点发布的失效
type Subscriber interface {
	Run(ctx context.Context, handler func(cache.Invalidation)) error
}

// Config 决策缓存配置
type Config struct {
	Shards int `yaml:"shards" json:"shards"`
}

// DefaultConfig 返回缓存默认配置
func DefaultConfig() Config {
	return Config{Shards: 32}
}

// maxStaleLoads 失效与未命中竞争时的最大重载次数
const maxStaleLoads = 3

// ErrStaleSnapshot 每次重载得到的版本都低于失效下限时返回
var ErrStaleSnapshot = errors.New("agent snapshot older than invalidation floor")

// Option 配置 Cache
type Option func(*Cache)

// WithPublisher 广播每次本地失效
func WithPublisher(p Publisher) Option {
	return func(c *Cache) { c.publisher = p }
}

// WithMetrics 记录命中与未命中计数
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache 按 (智能体, 复杂度, 配置版本) 缓存路由决策。
// 命中只持有一个分片读锁，不做 I/O。
type Cache struct {
	source    Source
	shards    []*shard
	group     singleflight.Group
	publisher Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

type shard struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

// entry 单个智能体的缓存状态。version 既是决策计算所依据的版本，
// 也是拒绝写入的版本下限。
type entry struct {
	version   uint64
	decisions [4]*types.GovernanceDecision
}

// NewCache 创建从 source 加载未命中项的缓存
func NewCache(source Source, cfg Config, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	c := &Cache{
		source: source,
		shards: make([]*shard, cfg.Shards),
		logger: logger.With(zap.String("component", "permission_cache")),
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{agents: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(agentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Check 返回智能体当前配置版本下的路由决策。source 的错误原样返回，
// 由调用方决定如何失败。
func (c *Cache) Check(ctx context.Context, agentID string, complexity types.ActionComplexity) (types.GovernanceDecision, error) {
	if !complexity.Valid() {
		return types.GovernanceDecision{}, types.NewValidationError("complexity %d out of range 1..4", complexity)
	}

	sh := c.shardFor(agentID)
	sh.mu.RLock()
	if e, ok := sh.agents[agentID]; ok {
		if d := e.decisions[complexity-1]; d != nil {
			out := *d
			sh.mu.RUnlock()
			c.metrics.RecordCacheHit("permission")
			return out, nil
		}
	}
	sh.mu.RUnlock()
	c.metrics.RecordCacheMiss("permission")

	for attempt := 0; attempt < maxStaleLoads; attempt++ {
		v, err, _ := c.group.Do(agentID, func() (any, error) {
			return c.source.Get(ctx, agentID)
		})
		if err != nil {
			return types.GovernanceDecision{}, err
		}
		agent := v.(*types.Agent)
		if d, ok := c.store(sh, agent, complexity); ok {
			return d, nil
		}
		c.group.Forget(agentID)
	}
	c.logger.Warn("permission cache could not observe a fresh snapshot", zap.String("agent_id", agentID))
	return types.GovernanceDecision{}, types.NewDegradedModeError("permission snapshot stale", ErrStaleSnapshot)
}

// store 用快照填充智能体条目并返回请求的决策，
// 拒绝早于条目下限的快照。
func (c *Cache) store(sh *shard, agent *types.Agent, complexity types.ActionComplexity) (types.GovernanceDecision, bool) {
	decidedAt := c.now().UTC()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.agents[agent.ID]
	switch {
	case ok && e.version > agent.ConfigVersion:
		return types.GovernanceDecision{}, false
	case !ok || e.version < agent.ConfigVersion:
		e = &entry{version: agent.ConfigVersion}
		sh.agents[agent.ID] = e
	}
	for _, cx := range types.Complexities {
		if e.decisions[cx-1] != nil {
			continue
		}
		routing, reason, remediation := Decide(agent, cx)
		e.decisions[cx-1] = &types.GovernanceDecision{
			AgentID:       agent.ID,
			Complexity:    cx,
			Routing:       routing,
			ReasonCode:    reason,
			Remediation:   remediation,
			Tier:          agent.Tier,
			ConfigVersion: agent.ConfigVersion,
			CacheKey:      types.DecisionKey(agent.ID, cx, agent.ConfigVersion),
			DecidedAt:     decidedAt,
		}
	}
	return *e.decisions[complexity-1], true
}

// Invalidate 丢弃智能体的决策并把下限提升到 version。
// 本地缓存更新后即返回，向其他节点的广播尽力而为。
func (c *Cache) Invalidate(ctx context.Context, agentID string, version uint64) {
	if !c.invalidateLocal(agentID, version) {
		return
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, agentID, version); err != nil {
			c.logger.Warn("invalidation broadcast failed",
				zap.String("agent_id", agentID),
				zap.Uint64("version", version),
				zap.Error(err),
			)
		}
	}
}

func (c *Cache) invalidateLocal(agentID string, version uint64) bool {
	sh := c.shardFor(agentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.agents[agentID]; ok && e.version >= version {
		return false
	}
	sh.agents[agentID] = &entry{version: version}
	c.group.Forget(agentID)
	c.metrics.RecordCacheInvalidation()
	return true
}

// Listen 应用远端失效，直到 ctx 结束
func (c *Cache) Listen(ctx context.Context, sub Subscriber) error {
	return sub.Run(ctx, func(inv cache.Invalidation) {
		if c.invalidateLocal(inv.AgentID, inv.Version) {
			c.logger.Debug("remote invalidation applied",
				zap.String("agent_id", inv.AgentID),
				zap.Uint64("version", inv.Version),
				zap.String("origin", inv.Origin),
			)
		}
	})
}

// Len 返回有缓存状态的智能体数
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.agents)
		sh.mu.RUnlock()
	}
	return n
}
