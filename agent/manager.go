package agent

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentnet/events"
	"github.com/BaSui01/agentnet/internal/tlsutil"
)

// ManagerConfig holds defaults applied to agents that leave a field unset,
// plus manager-wide dispatch settings.
type ManagerConfig struct {
	// DefaultTimeout bounds one HTTP attempt when the agent has no timeout
	DefaultTimeout time.Duration
	// DefaultHealthCheckInterval is used when the agent has no interval
	DefaultHealthCheckInterval time.Duration
	// FailureThreshold is the number of consecutive transport failures
	// that fast-mark an agent OFFLINE (0 disables)
	FailureThreshold int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// MaxResponseBytes caps how much of an agent response is read
	MaxResponseBytes int64
	// InitialCheckConcurrency limits parallel health checks during Start
	InitialCheckConcurrency int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultTimeout:             30 * time.Second,
		DefaultHealthCheckInterval: 30 * time.Second,
		FailureThreshold:           3,
		RetryDelay:                 500 * time.Millisecond,
		MaxResponseBytes:           10 << 20,
		InitialCheckConcurrency:    8,
	}
}

// MetricsRecorder receives per-agent measurements.
type MetricsRecorder interface {
	RecordAgentRequest(agentID, action, status string, duration time.Duration)
	RecordAgentHealthCheck(agentID string, healthy bool, duration time.Duration)
	SetAgentStatus(agentID, status string)
}

// Option configures an AgentManager.
type Option func(*AgentManager)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *AgentManager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *AgentManager) { m.metrics = r }
}

// WithEventBus publishes status changes to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *AgentManager) { m.bus = bus }
}

// WithTracer sets the tracer used for dispatch and health check spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *AgentManager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// agentRecord is one registry entry. Its lock guards status and metrics
// so dispatches to different agents never contend.
type agentRecord struct {
	mu       sync.RWMutex
	info     AgentInfo
	metrics  AgentMetrics
	avgNanos float64
	breaker  dispatchBreaker
	limiter  *rate.Limiter

	// stopHealth is guarded by AgentManager.mu.
	stopHealth context.CancelFunc
}

func (r *agentRecord) snapshot() AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.clone()
}

// AgentManager owns the agent registry, runs one health-check goroutine per
// agent and dispatches metered HTTP requests.
type AgentManager struct {
	cfg     ManagerConfig
	client  *http.Client
	logger  *zap.Logger
	metrics MetricsRecorder
	bus     *events.Bus
	tracer  trace.Tracer

	mu      sync.RWMutex
	agents  map[string]*agentRecord
	running bool
	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgentManager creates a manager for the given agents. Agents start
// with status UNKNOWN until their first health check.
func NewAgentManager(cfg ManagerConfig, agents []AgentInfo, logger *zap.Logger, opts ...Option) (*AgentManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultManagerConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultHealthCheckInterval <= 0 {
		cfg.DefaultHealthCheckInterval = def.DefaultHealthCheckInterval
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if cfg.InitialCheckConcurrency <= 0 {
		cfg.InitialCheckConcurrency = def.InitialCheckConcurrency
	}

	m := &AgentManager{
		cfg:    cfg,
		client: tlsutil.AgentHTTPClient(),
		logger: logger.With(zap.String("component", "agent_manager")),
		tracer: otel.Tracer("github.com/BaSui01/agentnet/agent"),
		agents: make(map[string]*agentRecord, len(agents)),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, info := range agents {
		if err := m.addRecord(info); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *AgentManager) newRecord(info AgentInfo) (*agentRecord, error) {
	info.ID = strings.TrimSpace(info.ID)
	info.URL = strings.TrimRight(strings.TrimSpace(info.URL), "/")
	if info.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("%w: agent %s has no url", ErrInvalidAgent, info.ID)
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	if info.Timeout <= 0 {
		info.Timeout = m.cfg.DefaultTimeout
	}
	if info.HealthCheckInterval <= 0 {
		info.HealthCheckInterval = m.cfg.DefaultHealthCheckInterval
	}
	if info.RetryCount < 0 {
		info.RetryCount = 0
	}
	info.Status = StatusUnknown
	info.ErrorMessage = ""
	info = info.clone()

	rec := &agentRecord{
		info:    info,
		metrics: AgentMetrics{AgentID: info.ID},
		breaker: newDispatchBreaker(m.cfg.FailureThreshold),
	}
	if info.RateLimit > 0 {
		burst := info.RateBurst
		if burst <= 0 {
			burst = 1
		}
		rec.limiter = rate.NewLimiter(rate.Limit(info.RateLimit), burst)
	}
	return rec, nil
}

// addRecord registers info; the caller must not hold m.mu.
func (m *AgentManager) addRecord(info AgentInfo) error {
	rec, err := m.newRecord(info)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[rec.info.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, rec.info.ID)
	}
	m.agents[rec.info.ID] = rec
	if m.metrics != nil {
		m.metrics.SetAgentStatus(rec.info.ID, string(StatusUnknown))
	}
	if m.running {
		m.startHealthLoopLocked(rec)
	}
	return nil
}

// Start runs one health check for every agent, then starts the periodic
// health-check goroutines. Calling Start on a running manager is a no-op.
func (m *AgentManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.loopCtx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	records := make([]*agentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		records = append(records, rec)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.InitialCheckConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			m.checkAgent(gctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	for _, rec := range m.agents {
		m.startHealthLoopLocked(rec)
	}

	m.logger.Info("agent manager started", zap.Int("agents", len(m.agents)))
	return nil
}

// Stop cancels every health-check goroutine, waits for them and releases
// idle HTTP connections.
func (m *AgentManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	for _, rec := range m.agents {
		rec.stopHealth = nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	defer m.client.CloseIdleConnections()
	select {
	case <-done:
		m.logger.Info("agent manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent manager stop: %w", ctx.Err())
	}
}

// IsRunning reports whether health checking is active.
func (m *AgentManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// RegisterAgent adds an agent at runtime. Its health loop starts
// immediately if the manager is running.
func (m *AgentManager) RegisterAgent(info AgentInfo) error {
	if err := m.addRecord(info); err != nil {
		return err
	}
	m.logger.Info("agent registered", zap.String("agent_id", info.ID), zap.String("url", info.URL))
	return nil
}

// UnregisterAgent removes an agent and stops its health loop.
func (m *AgentManager) UnregisterAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if rec.stopHealth != nil {
		rec.stopHealth()
		rec.stopHealth = nil
	}
	delete(m.agents, agentID)
	m.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

func (m *AgentManager) record(agentID string) *agentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[agentID]
}

// GetAgentInfo returns a copy of an agent's info.
func (m *AgentManager) GetAgentInfo(agentID string) (AgentInfo, bool) {
	rec := m.record(agentID)
	if rec == nil {
		return AgentInfo{}, false
	}
	return rec.snapshot(), true
}

// ListAgents returns copies of all agents sorted by id.
func (m *AgentManager) ListAgents() []AgentInfo {
	m.mu.RLock()
	records := make([]*agentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	out := make([]AgentInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAgentMetrics returns a copy of an agent's metrics.
func (m *AgentManager) GetAgentMetrics(agentID string) (AgentMetrics, bool) {
	rec := m.record(agentID)
	if rec == nil {
		return AgentMetrics{}, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := rec.metrics
	out.ConsecutiveFailures = rec.breaker.failures
	out.BreakerTrips = rec.breaker.trips
	return out, true
}

// GetNetworkStatus counts agents by status. NetworkHealth is online/total,
// or 0 with no agents.
func (m *AgentManager) GetNetworkStatus() NetworkStatus {
	ns := NetworkStatus{Timestamp: time.Now()}
	for _, info := range m.ListAgents() {
		ns.TotalAgents++
		switch info.Status {
		case StatusOnline:
			ns.OnlineAgents++
		case StatusOffline:
			ns.OfflineAgents++
		default:
			ns.UnknownAgents++
		}
	}
	if ns.TotalAgents > 0 {
		ns.NetworkHealth = float64(ns.OnlineAgents) / float64(ns.TotalAgents)
	}
	return ns
}

// FindByCapability returns online agents advertising capability.
func (m *AgentManager) FindByCapability(capability string) []AgentInfo {
	var out []AgentInfo
	for _, info := range m.ListAgents() {
		if info.Status == StatusOnline && info.HasCapability(capability) {
			out = append(out, info)
		}
	}
	return out
}

// setStatus records a status observation and reports transitions.
func (m *AgentManager) setStatus(rec *agentRecord, status AgentStatus, message string, fromHealthCheck bool) {
	rec.mu.Lock()
	old := rec.info.Status
	rec.info.Status = status
	if status == StatusOnline {
		rec.info.ErrorMessage = ""
	} else {
		rec.info.ErrorMessage = message
	}
	if fromHealthCheck {
		rec.info.LastHealthCheck = time.Now()
		if status == StatusOnline {
			rec.breaker.reset()
		}
	}
	agentID := rec.info.ID
	rec.mu.Unlock()

	if old != status {
		m.statusChanged(agentID, old, status, message)
	}
}

func (m *AgentManager) statusChanged(agentID string, from, to AgentStatus, reason string) {
	fields := []zap.Field{
		zap.String("agent_id", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if to == StatusOnline {
		m.logger.Info("agent status changed", fields...)
	} else {
		m.logger.Warn("agent status changed", append(fields, zap.String("reason", reason))...)
	}

	if m.metrics != nil {
		m.metrics.SetAgentStatus(agentID, string(to))
	}
	m.bus.Publish(events.Event{
		Type:    events.AgentStatusChanged,
		Source:  "agent_manager",
		Subject: agentID,
		Data: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
}
