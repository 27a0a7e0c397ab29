package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentgov/api/handlers"
	"github.com/BaSui01/agentgov/config"
	"github.com/BaSui01/agentgov/governance"
	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/episode"
	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/graduation"
	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/governance/notify"
	"github.com/BaSui01/agentgov/governance/proposal"
	"github.com/BaSui01/agentgov/internal/cache"
	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/internal/idempotency"
	"github.com/BaSui01/agentgov/internal/metrics"
	"github.com/BaSui01/agentgov/internal/server"
	"github.com/BaSui01/agentgov/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentGov 的主服务器：组装治理引擎、存储后端与 HTTP 接口
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	telemetry *telemetry.Providers
	collector *metrics.Collector
	pool      *database.PoolManager
	redis     *cache.Manager
	consumer  *execution.RedisQueueRuntime
	engine    *governance.Engine

	health    *handlers.HealthHandler
	limiter   *RateLimiter
	hotReload *config.HotReloadManager
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run builds every component, serves until ctx is cancelled and then shuts
// everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	// 1. 指标与遥测
	s.collector = metrics.NewCollector("agentgov", s.logger)
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry disabled", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 存储、运行时与通知后端
	deps, err := s.buildDeps()
	if err != nil {
		return err
	}

	// 3. 治理引擎
	s.engine, err = governance.New(deps, engineConfig(s.cfg.Governance), s.logger)
	if err != nil {
		return fmt.Errorf("build governance engine: %w", err)
	}
	s.engine.Start(ctx)
	defer s.engine.Stop()

	// 4. 热更新
	s.limiter = NewRateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)
	if err := s.initHotReload(ctx); err != nil {
		return fmt.Errorf("start hot reload: %w", err)
	}
	defer s.hotReload.Stop()

	// 5. HTTP 与指标服务
	apiServer := server.NewManager(s.buildHandler(), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Run(gctx) })
	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		metricsServer := server.NewManager(metricsMux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		g.Go(func() error { return metricsServer.Run(gctx) })
	}
	if s.consumer != nil {
		g.Go(func() error { return s.consumer.Consume(gctx, s.engine.Observer()) })
	}

	s.logger.Info("AgentGov serving",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Governance.Store),
		zap.String("runtime", s.cfg.Governance.Runtime),
		zap.String("notifier", s.cfg.Governance.Notifier),
		zap.Bool("jwt", s.cfg.JWT.Enabled()),
		zap.Bool("hot_reload", s.configPath != ""),
	)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// close releases connections. The engine has already stopped.
func (s *Server) close() {
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("close database", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close redis", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("telemetry shutdown", zap.Error(err))
	}
}

// =============================================================================
// 🔧 后端组装
// =============================================================================

// buildDeps selects the registry, audit log, stores, runtime and notifier
// from the governance configuration.
func (s *Server) buildDeps() (governance.Deps, error) {
	g := s.cfg.Governance
	deps := governance.Deps{
		Metrics: s.collector,
		Tracer:  s.telemetry.Tracer("agentgov/governance"),
	}
	nodeID := g.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	if s.cfg.Redis.Addr != "" {
		mgr, err := cache.NewManager(cache.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			MaxRetries:          3,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			TLSEnabled:          s.cfg.Redis.TLSEnabled,
			HealthCheckInterval: 30 * time.Second,
		}, s.logger)
		if err != nil {
			return deps, fmt.Errorf("connect redis: %w", err)
		}
		s.redis = mgr
		bus := cache.NewInvalidationBus(mgr.Client(), g.InvalidationChannel, nodeID, s.logger)
		deps.Publisher = bus
		deps.Subscriber = bus
		deps.Idempotency = idempotency.NewRedisManager(mgr.Client(), g.KeyPrefix+":idempotency:", s.logger)
	}

	switch g.Store {
	case "database":
		db, err := s.openDatabase()
		if err != nil {
			return deps, err
		}
		registry := maturity.NewGormRegistry(db)
		auditLog := audit.NewGormLog(db, s.logger)
		episodes := episode.NewGormStore(db)
		proposals := proposal.NewGormStore(db)
		results := graduation.NewGormStore(db)
		if s.cfg.Database.Driver == "sqlite" {
			for _, m := range []interface{ AutoMigrate() error }{registry, auditLog, episodes, proposals, results} {
				if err := m.AutoMigrate(); err != nil {
					return deps, fmt.Errorf("create sqlite schema: %w", err)
				}
			}
		}
		deps.Registry = registry
		deps.Audit = auditLog
		deps.Episodes = episodes
		deps.Proposals = proposals
		deps.Results = results
		deps.Transactor = s.pool
	default:
		deps.Registry = maturity.NewMemoryRegistry()
		deps.Audit = audit.NewMemoryLog(s.logger)
	}

	switch g.Runtime {
	case "redis":
		rc := execution.DefaultRedisConfig()
		rc.Stream = g.DispatchStream
		rc.EventStream = g.EventStream
		rc.ControlChannel = g.ControlChannel
		rc.KeyPrefix = g.KeyPrefix + ":executions:"
		rc.AckTimeout = g.CancelGrace
		s.consumer = execution.NewRedisQueueRuntime(s.redis.Client(), rc, nodeID, s.logger)
		deps.Runtime = s.consumer
	default:
		deps.Runtime = execution.NewLogRuntime(s.logger)
	}

	switch g.Notifier {
	case "redis":
		deps.Notifier = notify.NewRedisNotifier(s.redis.Client(), g.KeyPrefix+":notifications:")
	default:
		deps.Notifier = notify.NewLogNotifier(s.logger)
	}
	return deps, nil
}

// openDatabase 根据配置打开数据库连接并交给连接池管理器
func (s *Server) openDatabase() (*gorm.DB, error) {
	dbCfg := s.cfg.Database

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	case "mysql":
		dialector = mysql.Open(dbCfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	if dbCfg.Driver == "sqlite" {
		poolCfg.MaxOpenConns = 1
		poolCfg.MaxIdleConns = 1
	}

	pool, err := database.NewPoolManager(db, poolCfg, s.logger, database.WithMetrics(s.collector, dbCfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("init connection pool: %w", err)
	}
	s.pool = pool
	s.logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	return pool.DB(), nil
}

// engineConfig maps the flat governance settings onto the component configs.
func engineConfig(g config.GovernanceConfig) governance.Config {
	cfg := governance.DefaultConfig()

	cfg.Maturity.ComplianceAlpha = g.ComplianceAlpha
	if g.BreakerThreshold > 0 {
		cfg.Maturity.Breaker.Threshold = g.BreakerThreshold
	}
	if g.BreakerResetTimeout > 0 {
		cfg.Maturity.Breaker.ResetTimeout = g.BreakerResetTimeout
	}
	if g.RegistryTimeout > 0 {
		cfg.Maturity.Breaker.Timeout = g.RegistryTimeout
	}
	cfg.Cache.Shards = g.CacheShards

	cfg.Proposal.TTL = g.ProposalTTL
	if g.ProposalSweepInterval > 0 {
		cfg.Proposal.SweepInterval = g.ProposalSweepInterval
	}
	if g.ApproverRecipient != "" {
		cfg.Proposal.Recipient = g.ApproverRecipient
		cfg.Graduation.Recipient = g.ApproverRecipient
	}

	cfg.Supervision.StallTimeout = g.StallTimeout
	if g.StallCheckInterval > 0 {
		cfg.Supervision.StallCheckInterval = g.StallCheckInterval
	}
	cfg.Supervision.CancelGrace = g.CancelGrace
	if g.SessionTombstoneTTL > 0 {
		cfg.Supervision.TombstoneTTL = g.SessionTombstoneTTL
	}
	if g.SupervisorRecipient != "" {
		cfg.Supervision.Recipient = g.SupervisorRecipient
	}

	cfg.Graduation.Concurrency = g.ExamConcurrency
	if g.TriggerDedupTTL > 0 {
		cfg.TriggerDedupTTL = g.TriggerDedupTTL
	}
	return cfg
}

// =============================================================================
// 🌐 路由与中间件
// =============================================================================

// publicPaths skip JWT authentication. Runtime callbacks carry their own token.
var publicPaths = []string{"/healthz", "/readyz", "/health", "/version", "/api/v1/runtime/events"}

func (s *Server) buildHandler() http.Handler {
	s.health = handlers.NewHealthHandler(s.logger)
	if s.pool != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("database", s.pool.Ping))
	}
	if s.redis != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("redis", s.redis.Ping))
	}
	s.health.RegisterCheck(handlers.NewBreakerCheck("registry", s.engine.RegistryState))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /health", s.health.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewAgentHandler(s.engine, s.logger).Register(mux)
	handlers.NewTriggerHandler(s.engine, s.logger).Register(mux)
	handlers.NewProposalHandler(s.engine, s.logger).Register(mux)
	handlers.NewExamHandler(s.engine, s.logger).Register(mux)
	handlers.NewAuditHandler(s.engine, s.logger).Register(mux)
	handlers.NewSessionHandler(s.engine, s.logger).Register(mux)
	handlers.NewRuntimeHandler(s.engine, s.cfg.Server.RuntimeToken, s.logger).Register(mux)
	handlers.NewConfigHandler(s.hotReload.SanitizedConfig, s.logger).Register(mux)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, s.limiter.Middleware())
	}
	if s.cfg.JWT.Enabled() {
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, publicPaths, s.logger))
	} else {
		s.logger.Warn("JWT authentication disabled; role checks are not enforced")
	}
	return Chain(mux, middlewares...)
}

// =============================================================================
// 🔄 热更新
// =============================================================================

func (s *Server) initHotReload(ctx context.Context) error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, opts...)
	s.hotReload.OnReload(s.applyReload)
	return s.hotReload.Start(ctx)
}

// applyReload applies the live fields of a reloaded config.
func (s *Server) applyReload(oldCfg, newCfg *config.Config) {
	if oldCfg.Log.Level != newCfg.Log.Level {
		s.level.SetLevel(parseLevel(newCfg.Log.Level))
		s.logger.Info("log level changed", zap.String("from", oldCfg.Log.Level), zap.String("to", newCfg.Log.Level))
	}
	if oldCfg.Server.RateLimitRPS != newCfg.Server.RateLimitRPS || oldCfg.Server.RateLimitBurst != newCfg.Server.RateLimitBurst {
		s.limiter.SetLimits(newCfg.Server.RateLimitRPS, newCfg.Server.RateLimitBurst)
	}
}
