// =============================================================================
// 📦 AgentGov 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		JWT:        JWTConfig{Issuer: "agentgov"},
		Governance: DefaultGovernanceConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentgov",
		Name:            "agentgov",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（未配置地址）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentgov",
		SampleRate:   0.1,
	}
}

// DefaultGovernanceConfig 返回默认治理配置
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		Store:    "memory",
		Runtime:  "log",
		Notifier: "log",

		ProposalTTL:           24 * time.Hour,
		ProposalSweepInterval: time.Minute,
		ApproverRecipient:     "approvers",

		StallTimeout:        5 * time.Minute,
		StallCheckInterval:  30 * time.Second,
		CancelGrace:         10 * time.Second,
		SessionTombstoneTTL: 24 * time.Hour,
		SupervisorRecipient: "supervisors",

		ComplianceAlpha:     0.1,
		CacheShards:         32,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
		RegistryTimeout:     2 * time.Second,

		ExamConcurrency: 8,
		TriggerDedupTTL: 24 * time.Hour,

		KeyPrefix:           "agentgov",
		InvalidationChannel: "agentgov:invalidations",
		DispatchStream:      "agentgov:dispatch",
		EventStream:         "agentgov:events",
		ControlChannel:      "agentgov:control",
	}
}
