package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Governance.Store)
	assert.Equal(t, 24*time.Hour, cfg.Governance.ProposalTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  rate_limit_rps: 5.5

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"

governance:
  store: database
  runtime: redis
  proposal_ttl: 2h
  cancel_grace: 3s
  compliance_alpha: 0.25
  exam_concurrency: 4
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.InDelta(t, 5.5, cfg.Server.RateLimitRPS, 1e-9)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)

	g := cfg.Governance
	assert.Equal(t, "database", g.Store)
	assert.Equal(t, "redis", g.Runtime)
	assert.Equal(t, 2*time.Hour, g.ProposalTTL)
	assert.Equal(t, 3*time.Second, g.CancelGrace)
	assert.InDelta(t, 0.25, g.ComplianceAlpha, 1e-9)
	assert.Equal(t, 4, g.ExamConcurrency)
	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, 5*time.Minute, g.StallTimeout)
	assert.Equal(t, "agentgov:dispatch", g.DispatchStream)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTGOV_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTGOV_LOG_OUTPUT_PATHS", "stdout, /var/log/agentgov.log")
	t.Setenv("AGENTGOV_GOVERNANCE_PROPOSAL_TTL", "90m")
	t.Setenv("AGENTGOV_GOVERNANCE_CACHE_SHARDS", "64")
	t.Setenv("AGENTGOV_GOVERNANCE_COMPLIANCE_ALPHA", "0.3")
	t.Setenv("AGENTGOV_JWT_SECRET", "s3cret")
	t.Setenv("AGENTGOV_REDIS_TLS_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"stdout", "/var/log/agentgov.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 90*time.Minute, cfg.Governance.ProposalTTL)
	assert.Equal(t, 64, cfg.Governance.CacheShards)
	assert.InDelta(t, 0.3, cfg.Governance.ComplianceAlpha, 1e-9)
	assert.True(t, cfg.JWT.Enabled())
	assert.True(t, cfg.Redis.TLSEnabled)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
governance:
  stall_timeout: 1m
  notifier: log
`)
	t.Setenv("AGENTGOV_GOVERNANCE_STALL_TIMEOUT", "10m")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Governance.StallTimeout)
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYGOV_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYGOV").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("AGENTGOV_GOVERNANCE_CANCEL_GRACE", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTGOV_GOVERNANCE_CANCEL_GRACE")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.NoError(t, err)

	t.Setenv("AGENTGOV_GOVERNANCE_STORE", "etcd")
	_, err = NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/agentgov.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad port":           func(c *Config) { c.Server.HTTPPort = 70000 },
		"negative burst":     func(c *Config) { c.Server.RateLimitBurst = -1 },
		"unknown driver":     func(c *Config) { c.Database.Driver = "oracle" },
		"unknown runtime":    func(c *Config) { c.Governance.Runtime = "k8s" },
		"redis runtime":      func(c *Config) { c.Governance.Runtime = "redis" },
		"redis notifier":     func(c *Config) { c.Governance.Notifier = "redis" },
		"zero ttl":           func(c *Config) { c.Governance.ProposalTTL = 0 },
		"zero grace":         func(c *Config) { c.Governance.CancelGrace = 0 },
		"zero stall timeout": func(c *Config) { c.Governance.StallTimeout = 0 },
		"alpha above one":    func(c *Config) { c.Governance.ComplianceAlpha = 1.5 },
		"zero shards":        func(c *Config) { c.Governance.CacheShards = 0 },
		"zero concurrency":   func(c *Config) { c.Governance.ExamConcurrency = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Redis.Addr = "localhost:6379"
	cfg.Governance.Runtime = "redis"
	cfg.Governance.Notifier = "redis"
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "gov", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=gov sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "gov"}
	assert.Equal(t, "u:p@tcp(db:3306)/gov?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "gov.db"}
	assert.Equal(t, "gov.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}

func TestMustLoad(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n")
	assert.Equal(t, 9000, MustLoad(path).Server.HTTPPort)

	bad := writeConfig(t, "server: [")
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("AGENTGOV_GOVERNANCE_EXAM_CONCURRENCY", "2")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Governance.ExamConcurrency)
}
