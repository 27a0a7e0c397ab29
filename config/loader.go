// =============================================================================
// 📦 AgentGov 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentgov.yaml").
//	    WithEnvPrefix("AGENTGOV").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentGov 的完整配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server" env:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" json:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" json:"redis" env:"REDIS"`
	Log        LogConfig        `yaml:"log" json:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
	JWT        JWTConfig        `yaml:"jwt" json:"jwt" env:"JWT"`
	Governance GovernanceConfig `yaml:"governance" json:"governance" env:"GOVERNANCE"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" json:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 运行时回调接口使用的共享密钥（X-Runtime-Token），为空则不校验
	RuntimeToken string `yaml:"runtime_token" json:"runtime_token" env:"RUNTIME_TOKEN"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" json:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" json:"host" env:"HOST"`
	Port            int           `yaml:"port" json:"port" env:"PORT"`
	User            string        `yaml:"user" json:"user" env:"USER"`
	Password        string        `yaml:"password" json:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" json:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置。Addr 为空时所有 Redis 组件退化为进程内实现。
type RedisConfig struct {
	Addr         string `yaml:"addr" json:"addr" env:"ADDR"`
	Password     string `yaml:"password" json:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" json:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLSEnabled   bool   `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" json:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// JWTConfig 审批人身份认证配置。Secret 与 PublicKey 均为空时关闭认证。
type JWTConfig struct {
	// HMAC 密钥（HS256）
	Secret string `yaml:"secret" json:"secret" env:"SECRET"`
	// RSA 公钥 PEM（RS256）
	PublicKey string `yaml:"public_key" json:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" json:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" json:"audience" env:"AUDIENCE"`
}

// Enabled 报告是否配置了任一验签密钥
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// GovernanceConfig 治理引擎配置
type GovernanceConfig struct {
	// 存储后端: memory, database
	Store string `yaml:"store" json:"store" env:"STORE"`
	// 执行运行时: log, redis
	Runtime string `yaml:"runtime" json:"runtime" env:"RUNTIME"`
	// 通知通道: log, redis
	Notifier string `yaml:"notifier" json:"notifier" env:"NOTIFIER"`
	// 节点标识，为空时使用主机名
	NodeID string `yaml:"node_id" json:"node_id" env:"NODE_ID"`

	// 提案
	ProposalTTL           time.Duration `yaml:"proposal_ttl" json:"proposal_ttl" env:"PROPOSAL_TTL"`
	ProposalSweepInterval time.Duration `yaml:"proposal_sweep_interval" json:"proposal_sweep_interval" env:"PROPOSAL_SWEEP_INTERVAL"`
	ApproverRecipient     string        `yaml:"approver_recipient" json:"approver_recipient" env:"APPROVER_RECIPIENT"`

	// 监督会话
	StallTimeout        time.Duration `yaml:"stall_timeout" json:"stall_timeout" env:"STALL_TIMEOUT"`
	StallCheckInterval  time.Duration `yaml:"stall_check_interval" json:"stall_check_interval" env:"STALL_CHECK_INTERVAL"`
	CancelGrace         time.Duration `yaml:"cancel_grace" json:"cancel_grace" env:"CANCEL_GRACE"`
	SessionTombstoneTTL time.Duration `yaml:"session_tombstone_ttl" json:"session_tombstone_ttl" env:"SESSION_TOMBSTONE_TTL"`
	SupervisorRecipient string        `yaml:"supervisor_recipient" json:"supervisor_recipient" env:"SUPERVISOR_RECIPIENT"`

	// 成熟度与缓存
	ComplianceAlpha     float64       `yaml:"compliance_alpha" json:"compliance_alpha" env:"COMPLIANCE_ALPHA"`
	CacheShards         int           `yaml:"cache_shards" json:"cache_shards" env:"CACHE_SHARDS"`
	BreakerThreshold    int           `yaml:"breaker_threshold" json:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" json:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	RegistryTimeout     time.Duration `yaml:"registry_timeout" json:"registry_timeout" env:"REGISTRY_TIMEOUT"`

	// 毕业考试
	ExamConcurrency int `yaml:"exam_concurrency" json:"exam_concurrency" env:"EXAM_CONCURRENCY"`

	// 触发去重
	TriggerDedupTTL time.Duration `yaml:"trigger_dedup_ttl" json:"trigger_dedup_ttl" env:"TRIGGER_DEDUP_TTL"`

	// Redis 键与通道
	KeyPrefix           string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	InvalidationChannel string `yaml:"invalidation_channel" json:"invalidation_channel" env:"INVALIDATION_CHANNEL"`
	DispatchStream      string `yaml:"dispatch_stream" json:"dispatch_stream" env:"DISPATCH_STREAM"`
	EventStream         string `yaml:"event_stream" json:"event_stream" env:"EVENT_STREAM"`
	ControlChannel      string `yaml:"control_channel" json:"control_channel" env:"CONTROL_CHANNEL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "AGENTGOV"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldsFromEnv 按 env tag 递归覆盖结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// setFieldValue 将字符串解析为字段类型
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limits must not be negative")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	g := c.Governance
	switch g.Store {
	case "memory", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown governance store %q", g.Store))
	}
	switch g.Runtime {
	case "log":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis runtime requires redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown governance runtime %q", g.Runtime))
	}
	switch g.Notifier {
	case "log":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis notifier requires redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown governance notifier %q", g.Notifier))
	}
	if g.ProposalTTL <= 0 {
		errs = append(errs, "proposal_ttl must be positive")
	}
	if g.CancelGrace <= 0 {
		errs = append(errs, "cancel_grace must be positive")
	}
	if g.StallTimeout <= 0 {
		errs = append(errs, "stall_timeout must be positive")
	}
	if g.ComplianceAlpha <= 0 || g.ComplianceAlpha > 1 {
		errs = append(errs, "compliance_alpha must be in (0,1]")
	}
	if g.CacheShards <= 0 {
		errs = append(errs, "cache_shards must be positive")
	}
	if g.ExamConcurrency <= 0 {
		errs = append(errs, "exam_concurrency must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
