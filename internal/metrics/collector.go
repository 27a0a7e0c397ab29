// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法在 nil 接收者上是空操作，
// 组件可以不注入 Collector。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 决策指标
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	degradedTotal    *prometheus.CounterVec

	// 权限缓存指标
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheInvalidations prometheus.Counter

	// 提案与监督指标
	proposalsTotal     *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionTransitions *prometheus.CounterVec
	sessionAnomalies   *prometheus.CounterVec

	// 成熟度指标
	episodesTotal   *prometheus.CounterVec
	examsTotal      *prometheus.CounterVec
	examReadiness   *prometheus.HistogramVec
	tierTransitions *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 决策指标
	c.decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_decisions_total",
			Help:      "Total number of trigger routing decisions",
		},
		[]string{"routing", "reason"},
	)

	c.decisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "governance_decision_duration_seconds",
			Help:      "Trigger interception latency in seconds",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"routing"},
	)

	c.degradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_degraded_total",
			Help:      "Decisions forced to BLOCK because a dependency was unreachable",
		},
		[]string{"component"},
	)

	// 权限缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_cache_invalidations_total",
			Help:      "Total number of per-agent permission cache invalidations",
		},
	)

	// 提案与监督指标
	c.proposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposals by resulting status",
		},
		[]string{"status"},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervision_sessions_active",
			Help:      "Number of non-terminal supervision sessions",
		},
	)

	c.sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervision_transitions_total",
			Help:      "Supervision session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.sessionAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervision_anomalies_total",
			Help:      "Supervision anomalies such as stalls and unacknowledged cancellations",
		},
		[]string{"kind"},
	)

	// 成熟度指标
	c.episodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_recorded_total",
			Help:      "Episode outcomes recorded",
		},
		[]string{"source", "intervened"},
	)

	c.examsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graduation_exams_total",
			Help:      "Graduation exams by target tier and result",
		},
		[]string{"to_tier", "passed"},
	)

	c.examReadiness = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graduation_readiness_score",
			Help:      "Readiness score distribution",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"to_tier"},
	)

	c.tierTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_transitions_total",
			Help:      "Maturity tier transitions",
		},
		[]string{"from_tier", "to_tier", "cause"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🛡️ 决策指标记录
// =============================================================================

// RecordDecision 记录一次触发路由决策
func (c *Collector) RecordDecision(routing, reason string, duration time.Duration) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(routing, reason).Inc()
	c.decisionDuration.WithLabelValues(routing).Observe(duration.Seconds())
}

// RecordDegraded 记录一次降级拦截
func (c *Collector) RecordDegraded(component string) {
	if c == nil {
		return
	}
	c.degradedTotal.WithLabelValues(component).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheInvalidation 记录一次 agent 级失效
func (c *Collector) RecordCacheInvalidation() {
	if c == nil {
		return
	}
	c.cacheInvalidations.Inc()
}

// =============================================================================
// 📝 提案与监督指标记录
// =============================================================================

// RecordProposal 记录提案进入某状态
func (c *Collector) RecordProposal(status string) {
	if c == nil {
		return
	}
	c.proposalsTotal.WithLabelValues(status).Inc()
}

// RecordSessionOpened 记录监督会话开启
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// RecordSessionTransition 记录监督会话状态转换；进入终态时活跃数减一
func (c *Collector) RecordSessionTransition(from, to string, terminal bool) {
	if c == nil {
		return
	}
	c.sessionTransitions.WithLabelValues(from, to).Inc()
	if terminal {
		c.sessionsActive.Dec()
	}
}

// RecordSessionAnomaly 记录监督异常
func (c *Collector) RecordSessionAnomaly(kind string) {
	if c == nil {
		return
	}
	c.sessionAnomalies.WithLabelValues(kind).Inc()
}

// =============================================================================
// 🎓 成熟度指标记录
// =============================================================================

// RecordEpisode 记录一条 episode 结果
func (c *Collector) RecordEpisode(source string, intervened bool) {
	if c == nil {
		return
	}
	c.episodesTotal.WithLabelValues(source, strconv.FormatBool(intervened)).Inc()
}

// RecordExam 记录一次毕业考试
func (c *Collector) RecordExam(toTier string, passed bool, readiness float64) {
	if c == nil {
		return
	}
	c.examsTotal.WithLabelValues(toTier, strconv.FormatBool(passed)).Inc()
	c.examReadiness.WithLabelValues(toTier).Observe(readiness)
}

// RecordTierTransition 记录成熟度等级变化，cause 为 graduation 或 override
func (c *Collector) RecordTierTransition(from, to, cause string) {
	if c == nil {
		return
	}
	c.tierTransitions.WithLabelValues(from, to, cause).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
