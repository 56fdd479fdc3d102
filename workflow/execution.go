package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExecutionStatus represents the status of an execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents the status of one step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSkipped   StepStatus = "skipped"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step will not change again
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed, StepCancelled:
		return true
	}
	return false
}

// Satisfied reports whether dependents may start. Skipped steps count as
// satisfied so mutually exclusive branches can join.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

// Loop variables visible to templates and rules inside a loop body. They
// live in the loop's own frame, never in the shared execution context.
const (
	ContextKeyLoopIteration = "loop_iteration"
	ContextKeyLoopItem      = "loop_item"
)

// ResultKey is the context key holding a step's result.
func ResultKey(stepID string) string { return "step_" + stepID + "_result" }

// ConditionKey is the context key holding a condition step's outcome.
func ConditionKey(stepID string) string { return "step_" + stepID + "_condition" }

// IterationsKey is the context key holding a loop's iteration count.
func IterationsKey(stepID string) string { return "step_" + stepID + "_iterations" }

// ResultsKey is the context key holding a loop's per-iteration results.
func ResultsKey(stepID string) string { return "step_" + stepID + "_results" }

// BranchKey holds "if" or "else" for a condition step.
func BranchKey(stepID string) string { return "step_" + stepID + "_branch" }

// ParallelCompletedKey is set once a parallel group completes.
func ParallelCompletedKey(stepID string) string { return "step_" + stepID + "_parallel_completed" }

// WaitCompletedKey is set once a wait step finishes.
func WaitCompletedKey(stepID string) string { return "step_" + stepID + "_wait_completed" }

// StepState records the progress of one step.
type StepState struct {
	StepID    string     `json:"step_id"`
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`

	// Children holds the states of a parallel step's members.
	Children map[string]*StepState `json:"children,omitempty"`
	// Iterations holds one record per loop iteration.
	Iterations []*IterationRecord `json:"iterations,omitempty"`
}

// IterationRecord is the outcome of one loop iteration.
type IterationRecord struct {
	Index  int                   `json:"index"`
	Status StepStatus            `json:"status"`
	Steps  map[string]*StepState `json:"steps"`
	Error  string                `json:"error,omitempty"`
}

// Duration returns the elapsed time of a started step, up to now if still running.
func (s *StepState) Duration() time.Duration {
	if s.StartTime == nil {
		return 0
	}
	if s.EndTime == nil {
		return time.Since(*s.StartTime)
	}
	return s.EndTime.Sub(*s.StartTime)
}

func newStepState(step *WorkflowStep) *StepState {
	return &StepState{StepID: step.ID, Type: step.Type.Normalize(), Status: StepPending}
}

func (s *StepState) clone() *StepState {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.Children = cloneStates(s.Children)
	if s.Iterations != nil {
		c.Iterations = make([]*IterationRecord, len(s.Iterations))
		for i, it := range s.Iterations {
			ic := *it
			ic.Steps = cloneStates(it.Steps)
			c.Iterations[i] = &ic
		}
	}
	return &c
}

func cloneStates(m map[string]*StepState) map[string]*StepState {
	if m == nil {
		return nil
	}
	out := make(map[string]*StepState, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

// WorkflowExecution is one run of a workflow. All state is guarded by an
// internal lock; readers get copies.
type WorkflowExecution struct {
	id         string
	workflowID string
	userID     string

	mu         sync.RWMutex
	status     ExecutionStatus
	vars       map[string]any
	steps      map[string]*StepState
	order      []string
	startTime  time.Time
	endTime    *time.Time
	errMessage string

	cancel context.CancelFunc
	done   chan struct{}

	// aborted closes once a failure decided the outcome; wait steps still
	// polling are released instead of running out their timeout.
	aborted   chan struct{}
	abortOnce sync.Once
}

func newExecution(id string, def *WorkflowDefinition, userID string, params, extra map[string]any) *WorkflowExecution {
	vars := make(map[string]any, len(params)+len(extra))
	for k, v := range extra {
		vars[k] = v
	}
	for k, v := range params {
		vars[k] = v
	}

	steps := make(map[string]*StepState, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = newStepState(&def.Steps[i])
		order = append(order, def.Steps[i].ID)
	}

	return &WorkflowExecution{
		id:         id,
		workflowID: def.ID,
		userID:     userID,
		status:     ExecutionPending,
		vars:       vars,
		steps:      steps,
		order:      order,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		aborted:    make(chan struct{}),
	}
}

// ID returns the execution id
func (e *WorkflowExecution) ID() string { return e.id }

// WorkflowID returns the id of the executed workflow
func (e *WorkflowExecution) WorkflowID() string { return e.workflowID }

// UserID returns the user that started the execution
func (e *WorkflowExecution) UserID() string { return e.userID }

// StartTime returns when the execution was created
func (e *WorkflowExecution) StartTime() time.Time { return e.startTime }

// Status returns the current status
func (e *WorkflowExecution) Status() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// EndTime returns when the execution finished, or false while it runs
func (e *WorkflowExecution) EndTime() (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.endTime == nil {
		return time.Time{}, false
	}
	return *e.endTime, true
}

// Context returns a shallow copy of the execution context
func (e *WorkflowExecution) Context() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyVars(e.vars)
}

// ContextValue reads a single context entry
func (e *WorkflowExecution) ContextValue(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[key]
	return v, ok
}

// SetContextValue writes a context entry from outside the engine, for
// example a user confirmation a wait step is polling for.
func (e *WorkflowExecution) SetContextValue(key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return ErrExecutionFinished
	}
	e.vars[key] = value
	return nil
}

// StepState returns a copy of a top-level step's state
func (e *WorkflowExecution) StepState(stepID string) (StepState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.steps[stepID]
	if !ok {
		return StepState{}, false
	}
	return *st.clone(), true
}

// Done is closed once the execution reached a terminal status and all of
// its goroutines returned.
func (e *WorkflowExecution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution is done or ctx ends.
func (e *WorkflowExecution) Wait(ctx context.Context) (ExecutionSnapshot, error) {
	select {
	case <-e.done:
		return e.Snapshot(), nil
	case <-ctx.Done():
		return e.Snapshot(), ctx.Err()
	}
}

// ExecutionSnapshot is a point-in-time copy of an execution.
type ExecutionSnapshot struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	UserID      string                `json:"user_id,omitempty"`
	Status      ExecutionStatus       `json:"status"`
	Context     map[string]any        `json:"context"`
	StepStates  map[string]*StepState `json:"step_states"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
	Duration    Duration              `json:"duration"`
	Error       string                `json:"error,omitempty"`
}

// Snapshot copies the execution under its read lock
func (e *WorkflowExecution) Snapshot() ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := ExecutionSnapshot{
		ExecutionID: e.id,
		WorkflowID:  e.workflowID,
		UserID:      e.userID,
		Status:      e.status,
		Context:     copyVars(e.vars),
		StepStates:  cloneStates(e.steps),
		StartTime:   e.startTime,
		Error:       e.errMessage,
	}
	if e.endTime != nil {
		t := *e.endTime
		snap.EndTime = &t
		snap.Duration = Duration(t.Sub(e.startTime))
	} else {
		snap.Duration = Duration(time.Since(e.startTime))
	}
	return snap
}

// ExecutionProgress summarizes top-level step states.
type ExecutionProgress struct {
	ExecutionID        string          `json:"execution_id"`
	WorkflowID         string          `json:"workflow_id"`
	Status             ExecutionStatus `json:"status"`
	ProgressPercentage float64         `json:"progress_percentage"`
	TotalSteps         int             `json:"total_steps"`
	CompletedSteps     int             `json:"completed_steps"`
	FailedSteps        int             `json:"failed_steps"`
	RunningSteps       int             `json:"running_steps"`
	SkippedSteps       int             `json:"skipped_steps"`
	CancelledSteps     int             `json:"cancelled_steps"`
	CurrentSteps       []string        `json:"current_steps"`
	Elapsed            Duration        `json:"elapsed"`
}

// Progress derives counts from the step states. Completed includes skipped
// steps, since both satisfy dependents.
func (e *WorkflowExecution) Progress() ExecutionProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p := ExecutionProgress{
		ExecutionID:  e.id,
		WorkflowID:   e.workflowID,
		Status:       e.status,
		TotalSteps:   len(e.order),
		CurrentSteps: []string{},
	}
	for _, id := range e.order {
		switch e.steps[id].Status {
		case StepCompleted:
			p.CompletedSteps++
		case StepSkipped:
			p.CompletedSteps++
			p.SkippedSteps++
		case StepFailed:
			p.FailedSteps++
		case StepCancelled:
			p.CancelledSteps++
		case StepRunning:
			p.RunningSteps++
			p.CurrentSteps = append(p.CurrentSteps, id)
		}
	}
	if p.TotalSteps > 0 {
		p.ProgressPercentage = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	}
	end := time.Now()
	if e.endTime != nil {
		end = *e.endTime
	}
	p.Elapsed = Duration(end.Sub(e.startTime))
	return p
}

// --- internal mutation helpers; all take the write lock ---

func (e *WorkflowExecution) update(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// contextView is the copy evaluators and templates read from.
func (e *WorkflowExecution) contextView() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyVars(e.vars)
}

// varsFor is contextView with the loop frame of ctx laid over it.
func (e *WorkflowExecution) varsFor(ctx context.Context) map[string]any {
	vars := e.contextView()
	for k, v := range loopVars(ctx) {
		vars[k] = v
	}
	return vars
}

func (e *WorkflowExecution) abort() {
	e.abortOnce.Do(func() { close(e.aborted) })
}

func (e *WorkflowExecution) abandoned() bool {
	select {
	case <-e.aborted:
		return true
	default:
		return false
	}
}

func (e *WorkflowExecution) setVar(key string, value any) {
	e.update(func() { e.vars[key] = value })
}

// transition moves the execution to next unless it is already terminal.
// It reports whether the status changed.
func (e *WorkflowExecution) transition(next ExecutionStatus, errMessage string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return false
	}
	e.status = next
	if errMessage != "" && e.errMessage == "" {
		e.errMessage = errMessage
	}
	return true
}

// sortSnapshots orders snapshots newest first
func sortSnapshots(snaps []ExecutionSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartTime.After(snaps[j].StartTime)
	})
}

func copyVars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
