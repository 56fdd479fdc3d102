package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/workflow"
)

var (
	_ workflow.MetricsRecorder = (*Collector)(nil)
	_ agent.MetricsRecorder    = (*Collector)(nil)
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWith(prometheus.NewRegistry(), "test", zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/api/v1/workflows", 200, 100*time.Millisecond, 1024, 2048)
	c.RecordHTTPRequest("GET", "/api/v1/workflows", 204, 50*time.Millisecond, 512, 0)
	c.RecordHTTPRequest("POST", "/api/v1/workflows", 400, 5*time.Millisecond, 10, 80)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/v1/workflows", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/workflows", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_AgentMetrics(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordAgentRequest("triage", "assess", "success", 20*time.Millisecond)
	c.RecordAgentRequest("triage", "assess", "error", time.Second)
	c.RecordAgentHealthCheck("triage", true, time.Millisecond)
	c.RecordAgentHealthCheck("triage", false, 2*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentRequestsTotal.WithLabelValues("triage", "assess", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentRequestsTotal.WithLabelValues("triage", "assess", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentHealthChecksTotal.WithLabelValues("triage", "unhealthy")))
}

func TestCollector_SetAgentStatusIsOneHot(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.SetAgentStatus("a", "unknown")
	c.SetAgentStatus("a", "online")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentStatus.WithLabelValues("a", "online")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.agentStatus.WithLabelValues("a", "unknown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.agentStatus.WithLabelValues("a", "offline")))
}

func TestCollector_WorkflowMetrics(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordExecutionStarted("diagnosis")
	c.RecordExecutionStarted("diagnosis")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowExecutionsInFlight))

	c.RecordStep("action", "completed", 10*time.Millisecond)
	c.RecordStep("condition", "skipped", 0)
	c.RecordExecutionFinished("diagnosis", "completed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowExecutionsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowExecutionsStarted.WithLabelValues("diagnosis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowExecutionsTotal.WithLabelValues("diagnosis", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowStepsTotal.WithLabelValues("condition", "skipped")))
}

func TestCollector_ArchiveAndDB(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordArchiveHit("redis")
	c.RecordArchiveMiss("redis")
	c.RecordArchiveMiss("redis")
	c.RecordDBConnections("catalog", 4, 2)
	c.RecordDBQuery("catalog", "select", 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.archiveHits.WithLabelValues("redis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.archiveMisses.WithLabelValues("redis")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("catalog")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("catalog")))
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg, "dup", zap.NewNop())
	require.Panics(t, func() { NewCollectorWith(reg, "dup", zap.NewNop()) })
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {201, "2xx"}, {301, "3xx"}, {404, "4xx"}, {503, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code), "code %d", tt.code)
	}
}

func TestCollector_ObserveGaugeAndCounter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg, "test", zap.NewNop())

	queued := 3.0
	c.ObserveGauge("runners_queued", "Queued runs", func() float64 { return queued })
	c.ObserveCounter("events_dropped_total", "Dropped events", func() float64 { return 7 })

	expected := `
# HELP test_runners_queued Queued runs
# TYPE test_runners_queued gauge
test_runners_queued 3
# HELP test_events_dropped_total Dropped events
# TYPE test_events_dropped_total counter
test_events_dropped_total 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_runners_queued", "test_events_dropped_total"))

	// 每次采集都重新读取
	queued = 0
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP test_runners_queued Queued runs
# TYPE test_runners_queued gauge
test_runners_queued 0
`), "test_runners_queued"))

	n, err := testutil.GatherAndCount(reg, "test_dispatch_buffer_pool_hit_ratio")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
