// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/internal/pool"
)

// agentStatuses 是 agent_status gauge 的全部取值，切换状态时其余取值归零
var agentStatuses = []string{"online", "offline", "unknown"}

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。同时实现 workflow.MetricsRecorder 与 agent.MetricsRecorder。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Agent 指标
	agentRequestsTotal     *prometheus.CounterVec
	agentRequestDuration   *prometheus.HistogramVec
	agentHealthChecksTotal *prometheus.CounterVec
	agentHealthCheckTime   *prometheus.HistogramVec
	agentStatus            *prometheus.GaugeVec

	// 工作流指标
	workflowExecutionsStarted  *prometheus.CounterVec
	workflowExecutionsTotal    *prometheus.CounterVec
	workflowExecutionDuration  *prometheus.HistogramVec
	workflowExecutionsInFlight prometheus.Gauge
	workflowStepsTotal         *prometheus.CounterVec
	workflowStepDuration       *prometheus.HistogramVec

	// 归档指标
	archiveHits   *prometheus.CounterVec
	archiveMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	factory   promauto.Factory
	namespace string
	logger    *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到 reg
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		factory:   factory,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Agent 指标
	c.agentRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Total number of agent dispatches that reached the network",
		},
		[]string{"agent_id", "action", "status"}, // status: success, failure, error
	)

	c.agentRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_request_duration_seconds",
			Help:      "Agent dispatch latency in seconds, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent_id", "action"},
	)

	c.agentHealthChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_health_checks_total",
			Help:      "Total number of agent health checks",
		},
		[]string{"agent_id", "result"}, // result: healthy, unhealthy
	)

	c.agentHealthCheckTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_health_check_duration_seconds",
			Help:      "Agent health check latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"agent_id"},
	)

	c.agentStatus = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_status",
			Help:      "Current agent status (1 for the active status label)",
		},
		[]string{"agent_id", "status"},
	)

	// 工作流指标
	c.workflowExecutionsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_started_total",
			Help:      "Total number of workflow executions started",
		},
		[]string{"workflow_id"},
	)

	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		},
		[]string{"workflow_id", "status"},
	)

	c.workflowExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"workflow_id"},
	)

	c.workflowExecutionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_executions_in_flight",
			Help:      "Number of workflow executions currently running",
		},
	)

	c.workflowStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of finished workflow steps",
		},
		[]string{"step_type", "status"},
	)

	c.workflowStepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"step_type"},
	)

	// 归档指标
	c.archiveHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_hits_total",
			Help:      "Total number of execution archive hits",
		},
		[]string{"store"},
	)

	c.archiveMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_misses_total",
			Help:      "Total number of execution archive misses",
		},
		[]string{"store"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.ObserveGauge("dispatch_buffer_pool_hit_ratio",
		"Share of agent request buffers served from the pool",
		pool.ByteBufferPool.HitRate)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔭 采集时读取的运行时统计
// =============================================================================

// ObserveGauge 注册一个在每次采集时调用 fn 的 gauge（同名重复注册会 panic）
func (c *Collector) ObserveGauge(name, help string, fn func() float64) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// ObserveCounter 同 ObserveGauge，fn 必须单调递增
func (c *Collector) ObserveCounter(name, help string, fn func() float64) {
	c.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentRequest 记录一次到达网络的 agent 调度
func (c *Collector) RecordAgentRequest(agentID, action, status string, duration time.Duration) {
	c.agentRequestsTotal.WithLabelValues(agentID, action, status).Inc()
	c.agentRequestDuration.WithLabelValues(agentID, action).Observe(duration.Seconds())
}

// RecordAgentHealthCheck 记录健康检查结果
func (c *Collector) RecordAgentHealthCheck(agentID string, healthy bool, duration time.Duration) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	c.agentHealthChecksTotal.WithLabelValues(agentID, result).Inc()
	c.agentHealthCheckTime.WithLabelValues(agentID).Observe(duration.Seconds())
}

// SetAgentStatus 将 agent 当前状态置 1，其余状态置 0
func (c *Collector) SetAgentStatus(agentID, status string) {
	for _, s := range agentStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.agentStatus.WithLabelValues(agentID, s).Set(v)
	}
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// RecordExecutionStarted 记录执行开始
func (c *Collector) RecordExecutionStarted(workflowID string) {
	c.workflowExecutionsStarted.WithLabelValues(workflowID).Inc()
	c.workflowExecutionsInFlight.Inc()
}

// RecordExecutionFinished 记录执行结束。引擎对每次 Started 恰好调用一次 Finished。
func (c *Collector) RecordExecutionFinished(workflowID, status string, duration time.Duration) {
	c.workflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	c.workflowExecutionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	c.workflowExecutionsInFlight.Dec()
}

// RecordStep 记录步骤结束
func (c *Collector) RecordStep(stepType, status string, duration time.Duration) {
	c.workflowStepsTotal.WithLabelValues(stepType, status).Inc()
	c.workflowStepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// =============================================================================
// 💾 归档指标记录
// =============================================================================

// RecordArchiveHit 记录归档命中
func (c *Collector) RecordArchiveHit(store string) {
	c.archiveHits.WithLabelValues(store).Inc()
}

// RecordArchiveMiss 记录归档未命中
func (c *Collector) RecordArchiveMiss(store string) {
	c.archiveMisses.WithLabelValues(store).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
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
