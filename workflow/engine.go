package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/events"
	"github.com/BaSui01/agentnet/internal/ctxkeys"
	"github.com/BaSui01/agentnet/internal/pool"
)

// AgentDispatcher sends action requests to agents. *agent.AgentManager
// implements it.
type AgentDispatcher interface {
	SendRequest(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordExecutionStarted(workflowID string)
	RecordExecutionFinished(workflowID, status string, duration time.Duration)
	RecordStep(stepType, status string, duration time.Duration)
}

// ExecutionStore archives execution snapshots.
type ExecutionStore interface {
	Save(ctx context.Context, snap *ExecutionSnapshot) error
	Get(ctx context.Context, executionID string) (*ExecutionSnapshot, error)
	List(ctx context.Context, userID string, limit int) ([]ExecutionSnapshot, error)
	Delete(ctx context.Context, executionID string) error
}

// DefinitionStore persists registered workflow definitions.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, workflowID string) error
}

// EngineConfig holds engine tuning.
type EngineConfig struct {
	// DefaultStepTimeout applies to steps without a timeout
	DefaultStepTimeout time.Duration
	// WaitPollInterval is how often wait conditions are re-evaluated
	WaitPollInterval time.Duration
	// RetryBaseDelay is the first action retry backoff; it doubles per retry
	RetryBaseDelay time.Duration
	// MaxLoopIterations applies to loops with max_iterations = 0
	MaxLoopIterations int
	// MaxConcurrentExecutions caps running executions
	MaxConcurrentExecutions int
	// QueueSize is how many executions may wait for a free slot
	QueueSize int
	// ExecutionRetention is how long finished executions stay in memory
	ExecutionRetention time.Duration
	// CleanupInterval runs CleanupCompletedExecutions periodically (0 disables)
	CleanupInterval time.Duration
	// ListLimit caps archived executions returned by ListExecutions
	ListLimit int
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStepTimeout:      5 * time.Minute,
		WaitPollInterval:        time.Second,
		RetryBaseDelay:          time.Second,
		MaxLoopIterations:       1000,
		MaxConcurrentExecutions: 100,
		QueueSize:               1000,
		ExecutionRetention:      24 * time.Hour,
		CleanupInterval:         time.Hour,
		ListLimit:               100,
	}
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) Option {
	return func(e *WorkflowEngine) { e.metrics = r }
}

// WithExecutionStore archives finished executions to store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(e *WorkflowEngine) { e.store = store }
}

// WithDefinitionStore persists registered definitions to store.
func WithDefinitionStore(store DefinitionStore) Option {
	return func(e *WorkflowEngine) { e.definitions = store }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *WorkflowEngine) { e.bus = bus }
}

// WithTracer sets the tracer for execution and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *WorkflowEngine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEvaluator replaces the condition evaluator.
func WithEvaluator(ev *ConditionEvaluator) Option {
	return func(e *WorkflowEngine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WorkflowEngine holds workflow registrations and drives executions
// through their dependency graphs.
type WorkflowEngine struct {
	dispatcher  AgentDispatcher
	evaluator   *ConditionEvaluator
	loops       *LoopController
	cfg         EngineConfig
	logger      *zap.Logger
	metrics     MetricsRecorder
	store       ExecutionStore
	definitions DefinitionStore
	bus         *events.Bus
	tracer      trace.Tracer
	runners     *pool.GoroutinePool

	mu         sync.RWMutex
	workflows  map[string]*WorkflowDefinition
	executions map[string]*WorkflowExecution

	closed      atomic.Bool
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewEngine creates an engine dispatching action steps through dispatcher.
func NewEngine(dispatcher AgentDispatcher, cfg EngineConfig, logger *zap.Logger, opts ...Option) *WorkflowEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultEngineConfig()
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = def.DefaultStepTimeout
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = def.WaitPollInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = def.MaxLoopIterations
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = def.ListLimit
	}

	e := &WorkflowEngine{
		dispatcher: dispatcher,
		evaluator:  NewConditionEvaluator(),
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "workflow_engine")),
		tracer:     otel.Tracer("github.com/BaSui01/agentnet/workflow"),
		workflows:  make(map[string]*WorkflowDefinition),
		executions: make(map[string]*WorkflowExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loops = NewLoopController(e.evaluator, cfg.MaxLoopIterations)
	e.runners = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.MaxConcurrentExecutions,
		QueueSize:  cfg.QueueSize,
		PanicHandler: func(r any) {
			e.logger.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
		},
	})

	if cfg.CleanupInterval > 0 && cfg.ExecutionRetention > 0 {
		e.stopCleanup = make(chan struct{})
		e.cleanupDone = make(chan struct{})
		go e.cleanupLoop()
	}
	return e
}

// RegisterWorkflow validates and registers def, replacing any workflow with
// the same id. With a DefinitionStore configured the definition is persisted first.
func (e *WorkflowEngine) RegisterWorkflow(ctx context.Context, def *WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	stored := def.Clone()

	if e.definitions != nil {
		if err := e.definitions.SaveDefinition(ctx, stored); err != nil {
			return fmt.Errorf("persist workflow %s: %w", def.ID, err)
		}
	}

	e.mu.Lock()
	_, replaced := e.workflows[stored.ID]
	e.workflows[stored.ID] = stored
	e.mu.Unlock()

	e.logger.Info("workflow registered",
		zap.String("workflow_id", stored.ID),
		zap.String("version", stored.Version),
		zap.Int("steps", len(stored.Steps)),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// UnregisterWorkflow removes a workflow definition. Running executions of
// it are unaffected.
func (e *WorkflowEngine) UnregisterWorkflow(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	_, ok := e.workflows[workflowID]
	delete(e.workflows, workflowID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	if e.definitions != nil {
		if err := e.definitions.DeleteDefinition(ctx, workflowID); err != nil {
			return fmt.Errorf("delete stored workflow %s: %w", workflowID, err)
		}
	}
	e.logger.Info("workflow unregistered", zap.String("workflow_id", workflowID))
	return nil
}

// LoadDefinitions registers every definition from the DefinitionStore and
// returns how many were loaded.
func (e *WorkflowEngine) LoadDefinitions(ctx context.Context) (int, error) {
	if e.definitions == nil {
		return 0, nil
	}
	defs, err := e.definitions.ListDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load workflow definitions: %w", err)
	}

	loaded := 0
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			e.logger.Warn("skipping invalid stored workflow", zap.String("workflow_id", def.ID), zap.Error(err))
			continue
		}
		e.mu.Lock()
		e.workflows[def.ID] = def.Clone()
		e.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// GetWorkflow returns a copy of a registered definition.
func (e *WorkflowEngine) GetWorkflow(workflowID string) (*WorkflowDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[workflowID]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// ListWorkflows returns copies of all definitions sorted by id.
func (e *WorkflowEngine) ListWorkflows() []*WorkflowDefinition {
	e.mu.RLock()
	out := make([]*WorkflowDefinition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteWorkflow starts an execution and returns it immediately in the
// PENDING state. params and extra both seed the context; params win on
// conflicting keys. Once this returns nil error, all failures are reported
// through the execution rather than as errors.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any, userID string, extra map[string]any) (*WorkflowExecution, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.mu.RLock()
	def, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	exec := newExecution(uuid.NewString(), def, userID, params, extra)
	runCtx, cancel := context.WithCancel(ctxkeys.WithExecutionID(context.WithoutCancel(ctx), exec.id))
	exec.cancel = cancel

	e.mu.Lock()
	e.executions[exec.id] = exec
	e.mu.Unlock()

	if err := e.runners.Submit(runCtx, func(ctx context.Context) { e.run(ctx, exec, def) }); err != nil {
		cancel()
		e.mu.Lock()
		delete(e.executions, exec.id)
		e.mu.Unlock()
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrEngineClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrExecutionLimit, err)
	}

	e.logger.Info("workflow execution submitted",
		zap.String("execution_id", exec.id),
		zap.String("workflow_id", def.ID),
		zap.String("user_id", userID),
	)
	return exec, nil
}

// GetExecution returns a live execution held in memory.
func (e *WorkflowEngine) GetExecution(executionID string) (*WorkflowExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	return exec, ok
}

// GetExecutionSnapshot returns an execution from memory, falling back to
// the ExecutionStore for executions already cleaned up.
func (e *WorkflowEngine) GetExecutionSnapshot(ctx context.Context, executionID string) (ExecutionSnapshot, error) {
	if exec, ok := e.GetExecution(executionID); ok {
		return exec.Snapshot(), nil
	}
	if e.store != nil {
		snap, err := e.store.Get(ctx, executionID)
		if err == nil {
			return *snap, nil
		}
		if !errors.Is(err, ErrExecutionNotFound) {
			return ExecutionSnapshot{}, err
		}
	}
	return ExecutionSnapshot{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
}

// ListExecutions lists executions for userID (all users when empty), newest
// first. Archived executions not held in memory are included.
func (e *WorkflowEngine) ListExecutions(ctx context.Context, userID string) ([]ExecutionSnapshot, error) {
	e.mu.RLock()
	live := make([]*WorkflowExecution, 0, len(e.executions))
	for _, exec := range e.executions {
		if userID == "" || exec.userID == userID {
			live = append(live, exec)
		}
	}
	e.mu.RUnlock()

	seen := make(map[string]struct{}, len(live))
	out := make([]ExecutionSnapshot, 0, len(live))
	for _, exec := range live {
		out = append(out, exec.Snapshot())
		seen[exec.id] = struct{}{}
	}

	if e.store != nil {
		archived, err := e.store.List(ctx, userID, e.cfg.ListLimit)
		if err != nil {
			return nil, fmt.Errorf("list archived executions: %w", err)
		}
		for _, snap := range archived {
			if _, dup := seen[snap.ExecutionID]; !dup {
				out = append(out, snap)
			}
		}
	}

	sortSnapshots(out)
	return out, nil
}

// GetExecutionProgress reports step counts for a live execution.
func (e *WorkflowEngine) GetExecutionProgress(executionID string) (ExecutionProgress, error) {
	exec, ok := e.GetExecution(executionID)
	if !ok {
		return ExecutionProgress{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return exec.Progress(), nil
}

// SetContextValue writes key into a live execution's context.
func (e *WorkflowEngine) SetContextValue(executionID, key string, value any) error {
	exec, ok := e.GetExecution(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return exec.SetContextValue(key, value)
}

// CancelExecution cancels a running or queued execution. In-flight
// dispatches and waits observe the cancellation through their context.
func (e *WorkflowEngine) CancelExecution(executionID string) error {
	exec, ok := e.GetExecution(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if !exec.transition(ExecutionCancelled, "execution cancelled") {
		return ErrExecutionFinished
	}
	exec.cancel()

	e.logger.Info("workflow execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// CleanupCompletedExecutions drops finished executions that ended more
// than maxAge ago and returns how many were removed.
func (e *WorkflowEngine) CleanupCompletedExecutions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, exec := range e.executions {
		end, finished := exec.EndTime()
		if finished && end.Before(cutoff) {
			delete(e.executions, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("cleaned up finished executions", zap.Int("removed", removed))
	}
	return removed
}

func (e *WorkflowEngine) cleanupLoop() {
	defer close(e.cleanupDone)
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.CleanupCompletedExecutions(e.cfg.ExecutionRetention)
		case <-e.stopCleanup:
			return
		}
	}
}

// Shutdown stops accepting executions, cancels running ones and waits
// for them to finish or ctx to end.
func (e *WorkflowEngine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.stopCleanup != nil {
		close(e.stopCleanup)
		<-e.cleanupDone
	}

	e.mu.RLock()
	for _, exec := range e.executions {
		if exec.transition(ExecutionCancelled, "engine shutting down") {
			exec.cancel()
		}
	}
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.runners.Close()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("workflow engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow engine shutdown: %w", ctx.Err())
	}
}

// Stats reports registered workflows, executions by status, the runner
// pool and the event bus counters.
func (e *WorkflowEngine) Stats() map[string]int {
	runners := e.runners.Stats()
	published, dropped := e.bus.Stats()

	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := map[string]int{
		"workflows":        len(e.workflows),
		"executions":       len(e.executions),
		"runners_active":   runners.Active,
		"runners_queued":   runners.Queued,
		"runners_rejected": int(runners.Rejected),
		"runners_panicked": int(runners.Panicked),
		"events_published": int(published),
		"events_dropped":   int(dropped),
	}
	for _, exec := range e.executions {
		stats["executions_"+string(exec.Status())]++
	}
	return stats
}

func (e *WorkflowEngine) publish(typ events.Type, exec *WorkflowExecution, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["workflow_id"] = exec.workflowID
	if exec.userID != "" {
		data["user_id"] = exec.userID
	}
	e.bus.Publish(events.Event{
		Type:    typ,
		Source:  "workflow_engine",
		Subject: exec.id,
		Data:    data,
	})
}
