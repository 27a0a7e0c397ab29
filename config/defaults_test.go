package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, GovernanceConfig{}, cfg.Governance)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.InDelta(t, 100, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Empty(t, cfg.RuntimeToken)
}

func TestDefaultRedisConfig_Unconfigured(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Empty(t, cfg.Addr, "redis is opt-in")
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestDefaultGovernanceConfig(t *testing.T) {
	g := DefaultGovernanceConfig()
	assert.Equal(t, "memory", g.Store)
	assert.Equal(t, "log", g.Runtime)
	assert.Equal(t, "log", g.Notifier)
	assert.Equal(t, 24*time.Hour, g.ProposalTTL)
	assert.Equal(t, 5*time.Minute, g.StallTimeout)
	assert.Equal(t, 10*time.Second, g.CancelGrace)
	assert.InDelta(t, 0.1, g.ComplianceAlpha, 1e-9)
	assert.Equal(t, 32, g.CacheShards)
	assert.Equal(t, 8, g.ExamConcurrency)
	assert.NotEmpty(t, g.InvalidationChannel)
}

func TestDefaultJWT_Disabled(t *testing.T) {
	assert.False(t, DefaultConfig().JWT.Enabled())
}
