package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/events"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type handlerFunc func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error)

// fakeDispatcher records every request and answers through handle, or
// succeeds with an echo of the request when handle is nil.
type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []agent.AgentRequest
	handle handlerFunc
}

func (f *fakeDispatcher) SendRequest(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	f.mu.Unlock()

	if f.handle != nil {
		return f.handle(ctx, req)
	}
	return okResponse(map[string]any{"agent": req.AgentID, "action": req.Action}), nil
}

func (f *fakeDispatcher) callsFor(action string) []agent.AgentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.AgentRequest
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func okResponse(data any) *agent.AgentResponse {
	return &agent.AgentResponse{Success: true, Data: data}
}

// sleepThenOK waits d (or until ctx ends) and then succeeds.
func sleepThenOK(ctx context.Context, d time.Duration, data any) (*agent.AgentResponse, error) {
	select {
	case <-time.After(d):
		return okResponse(data), nil
	case <-ctx.Done():
		return &agent.AgentResponse{Error: ctx.Err().Error()}, ctx.Err()
	}
}

type recordingMetrics struct {
	started  atomic.Int32
	finished sync.Map
	steps    atomic.Int32
}

func (r *recordingMetrics) RecordExecutionStarted(string) { r.started.Add(1) }
func (r *recordingMetrics) RecordExecutionFinished(workflowID, status string, _ time.Duration) {
	r.finished.Store(workflowID, status)
}
func (r *recordingMetrics) RecordStep(string, string, time.Duration) { r.steps.Add(1) }

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.DefaultStepTimeout = 5 * time.Second
	cfg.WaitPollInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.CleanupInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, d AgentDispatcher, opts ...Option) *WorkflowEngine {
	t.Helper()
	return newTestEngineWithConfig(t, d, testConfig(), opts...)
}

func newTestEngineWithConfig(t *testing.T, d AgentDispatcher, cfg EngineConfig, opts ...Option) *WorkflowEngine {
	t.Helper()
	e := NewEngine(d, cfg, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// runToEnd registers def, executes it and waits for a terminal status.
func runToEnd(t *testing.T, e *WorkflowEngine, def *WorkflowDefinition, params map[string]any) ExecutionSnapshot {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))

	exec, err := e.ExecuteWorkflow(ctx, def.ID, params, "user-1", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := exec.Wait(waitCtx)
	require.NoError(t, err, "execution did not finish")
	return snap
}

func waitForStepStatus(t *testing.T, exec *WorkflowExecution, stepID string, status StepStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := exec.StepState(stepID)
		return ok && st.Status == status
	}, 5*time.Second, 2*time.Millisecond, "step %s never reached %s", stepID, status)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestEngine_DiagnosisScenario(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	d.handle = func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		switch req.Action {
		case "diagnose":
			return okResponse(map[string]any{
				"treatment_required": true,
				"round":              req.Parameters["round"],
			}), nil
		default:
			return okResponse(map[string]any{"done": req.Action}), nil
		}
	}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("health_assessment").
		AddStep(
			Parallel("parallel_assessment",
				Action("vitals", "monitor", "check_vitals").WithParam("patient", "{{patient_id}}"),
				Action("history", "records", "fetch_history").WithParam("patient", "{{patient_id}}"),
				Action("symptoms", "triage", "analyze_symptoms").WithParam("patient", "{{patient_id}}"),
			),
			Loop("iterative_diagnosis", LoopConfig{Type: LoopTypeFor, MaxIterations: 3},
				Action("diagnose_round", "diagnostician", "diagnose").WithParam("round", "{{loop_iteration}}"),
			).DependsOn("parallel_assessment"),
			Condition("treatment_decision", Rule("step_iterative_diagnosis_result.treatment_required", OpEquals, true)).
				DependsOn("iterative_diagnosis"),
			Action("treatment_plan", "doctor", "plan_treatment").
				DependsOn("treatment_decision").
				When(Rule("step_treatment_decision_condition", OpEquals, true)),
			Action("prevention_advice", "doctor", "advise_prevention").
				DependsOn("treatment_decision").
				When(Rule("step_treatment_decision_condition", OpEquals, false)),
			WaitUntil("user_confirmation", Rule("user_confirmed", OpEquals, true)).
				DependsOn("treatment_plan", "prevention_advice"),
			Action("final_report", "reporter", "compile_report").DependsOn("user_confirmation"),
		).
		MustBuild()

	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	exec, err := e.ExecuteWorkflow(ctx, def.ID, map[string]any{"patient_id": "p-1"}, "user-1", nil)
	require.NoError(t, err)

	waitForStepStatus(t, exec, "user_confirmation", StepRunning)
	assert.Empty(t, d.callsFor("compile_report"), "final report must wait for confirmation")
	require.NoError(t, e.SetContextValue(exec.ID(), "user_confirmed", true))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, err := exec.Wait(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, snap.Status, snap.Error)
	assert.Equal(t, StepCompleted, snap.StepStates["treatment_plan"].Status)
	assert.Equal(t, StepSkipped, snap.StepStates["prevention_advice"].Status)
	assert.Equal(t, StepCompleted, snap.StepStates["user_confirmation"].Status)
	assert.Equal(t, StepCompleted, snap.StepStates["final_report"].Status)
	assert.Equal(t, true, snap.Context["step_treatment_decision_condition"])
	assert.Equal(t, true, snap.Context[WaitCompletedKey("user_confirmation")])
	assert.Equal(t, 3, snap.Context[IterationsKey("iterative_diagnosis")])

	// Each parallel child dispatched once with the resolved patient id.
	for _, action := range []string{"check_vitals", "fetch_history", "analyze_symptoms"} {
		calls := d.callsFor(action)
		require.Len(t, calls, 1, action)
		assert.Equal(t, "p-1", calls[0].Parameters["patient"])
		assert.Equal(t, "user-1", calls[0].UserID)
	}
	assert.Len(t, snap.StepStates["parallel_assessment"].Children, 3)

	// The loop variable is typed and removed once the loop ends.
	rounds := d.callsFor("diagnose")
	require.Len(t, rounds, 3)
	for i, c := range rounds {
		assert.Equal(t, i, c.Parameters["round"])
	}
	_, leaked := snap.Context[ContextKeyLoopIteration]
	assert.False(t, leaked)

	assert.Empty(t, d.callsFor("advise_prevention"))

	// final_report started only after user_confirmation finished.
	confirm := snap.StepStates["user_confirmation"]
	report := snap.StepStates["final_report"]
	assert.False(t, report.StartTime.Before(*confirm.EndTime))
}

func TestEngine_ParallelRunsConcurrently(t *testing.T) {
	t.Parallel()

	delays := map[string]time.Duration{"one": 100 * time.Millisecond, "two": 200 * time.Millisecond, "three": 300 * time.Millisecond}
	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return sleepThenOK(ctx, delays[req.Action], req.Action)
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("fan").
		AddStep(Parallel("group",
			Action("a", "x", "one"),
			Action("b", "x", "two"),
			Action("c", "x", "three"),
		)).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	require.Equal(t, ExecutionCompleted, snap.Status, snap.Error)

	group := snap.StepStates["group"]
	elapsed := group.Duration()
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 550*time.Millisecond, "children must overlap, not run back to back")
	assert.Equal(t, map[string]any{"a": "one", "b": "two", "c": "three"}, group.Result)
}

func TestEngine_ParallelChildFailureFailsGroup(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		if req.Action == "broken" {
			return &agent.AgentResponse{Success: false, Error: "lab offline"}, nil
		}
		return sleepThenOK(ctx, 50*time.Millisecond, "ok")
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("fan-fail").
		AddStep(
			Parallel("group", Action("good", "x", "fine"), Action("bad", "x", "broken")),
			Action("after", "x", "fine").DependsOn("group"),
		).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	group := snap.StepStates["group"]
	assert.Equal(t, StepFailed, group.Status)
	assert.Contains(t, group.Error, "lab offline")
	// The sibling already in flight is allowed to finish.
	assert.Equal(t, StepCompleted, group.Children["good"].Status)
	assert.Equal(t, StepFailed, group.Children["bad"].Status)
	assert.Equal(t, StepCancelled, snap.StepStates["after"].Status)
}

func TestEngine_FailFastStopsScheduling(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		switch req.Action {
		case "explode":
			return &agent.AgentResponse{Error: "boom"}, &agent.DispatchError{AgentID: req.AgentID, StatusCode: 500, Err: errors.New("boom")}
		case "slow":
			return sleepThenOK(ctx, 100*time.Millisecond, "slow done")
		}
		return okResponse("ok"), nil
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("failfast").
		AddStep(
			Action("a", "x", "explode"),
			Action("b", "x", "slow"),
			Action("c", "x", "noop").DependsOn("a"),
			Action("d", "x", "noop").DependsOn("b"),
		).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Contains(t, snap.Error, `step "a" failed`)
	assert.Equal(t, StepFailed, snap.StepStates["a"].Status)
	assert.Equal(t, StepCompleted, snap.StepStates["b"].Status)
	assert.Equal(t, StepCancelled, snap.StepStates["c"].Status)
	assert.Equal(t, StepCancelled, snap.StepStates["d"].Status)
	assert.Empty(t, d.callsFor("noop"))
	require.NotNil(t, snap.EndTime)
}

func TestEngine_StepTimeout(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return sleepThenOK(ctx, 5*time.Second, nil)
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("slow").
		AddStep(Action("slow", "x", "hang").WithTimeout(50 * time.Millisecond)).
		MustBuild()

	start := time.Now()
	snap := runToEnd(t, e, def, nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Equal(t, StepFailed, snap.StepStates["slow"].Status)
	assert.Contains(t, snap.StepStates["slow"].Error, "timed out after 50ms")
}

func TestEngine_WaitConditionTimesOut(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("never").
		AddStep(WaitUntil("hold", Rule("never_set", OpExists, nil)).WithTimeout(40 * time.Millisecond)).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Equal(t, StepFailed, snap.StepStates["hold"].Status)
	assert.Contains(t, snap.StepStates["hold"].Error, "timed out")
}

func TestEngine_WaitDuration(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("pause").
		AddStep(WaitFor("pause", 60*time.Millisecond)).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	require.Equal(t, ExecutionCompleted, snap.Status)
	assert.GreaterOrEqual(t, snap.StepStates["pause"].Duration(), 60*time.Millisecond)
	assert.Equal(t, true, snap.Context[WaitCompletedKey("pause")])
}

func TestEngine_CancelExecution(t *testing.T) {
	t.Parallel()

	var observed atomic.Bool
	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		<-ctx.Done()
		observed.Store(true)
		return &agent.AgentResponse{Error: ctx.Err().Error()}, ctx.Err()
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("cancel").
		AddStep(
			Action("busy", "x", "block"),
			WaitUntil("hold", Rule("never_set", OpExists, nil)),
			Action("after", "x", "block").DependsOn("busy", "hold"),
		).
		MustBuild()

	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	exec, err := e.ExecuteWorkflow(ctx, def.ID, nil, "user-1", nil)
	require.NoError(t, err)

	waitForStepStatus(t, exec, "busy", StepRunning)
	waitForStepStatus(t, exec, "hold", StepRunning)
	require.NoError(t, e.CancelExecution(exec.ID()))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, err := exec.Wait(waitCtx)
	require.NoError(t, err)

	assert.True(t, observed.Load(), "in-flight dispatch must see the cancellation")
	assert.Equal(t, ExecutionCancelled, snap.Status)
	for _, id := range []string{"busy", "hold", "after"} {
		assert.Equal(t, StepCancelled, snap.StepStates[id].Status, id)
	}
	assert.ErrorIs(t, e.CancelExecution(exec.ID()), ErrExecutionFinished)
	assert.ErrorIs(t, exec.SetContextValue("late", true), ErrExecutionFinished)
}

func TestEngine_CancelDoesNotAffectOtherExecutions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("gate").
		AddStep(WaitUntil("hold", Rule("go", OpEquals, true))).
		MustBuild()

	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	first, err := e.ExecuteWorkflow(ctx, def.ID, nil, "u1", nil)
	require.NoError(t, err)
	second, err := e.ExecuteWorkflow(ctx, def.ID, nil, "u2", nil)
	require.NoError(t, err)

	require.NoError(t, e.CancelExecution(first.ID()))
	require.NoError(t, second.SetContextValue("go", true))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s1, err := first.Wait(waitCtx)
	require.NoError(t, err)
	s2, err := second.Wait(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCancelled, s1.Status)
	assert.Equal(t, ExecutionCompleted, s2.Status)
}

func TestEngine_CallerContextDoesNotCancelExecution(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("detached").AddStep(WaitFor("pause", 30*time.Millisecond)).MustBuild()
	require.NoError(t, e.RegisterWorkflow(context.Background(), def))

	reqCtx, cancelReq := context.WithCancel(context.Background())
	exec, err := e.ExecuteWorkflow(reqCtx, def.ID, nil, "", nil)
	require.NoError(t, err)
	cancelReq()

	snap, err := exec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, snap.Status)
}

func TestEngine_SkippedDependencyIsSatisfied(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("skip").
		AddStep(
			Action("optional", "x", "maybe").When(Rule("enabled", OpEquals, true)),
			Action("next", "x", "always").DependsOn("optional"),
		).
		MustBuild()

	snap := runToEnd(t, e, def, map[string]any{"enabled": false})
	assert.Equal(t, ExecutionCompleted, snap.Status)
	assert.Equal(t, StepSkipped, snap.StepStates["optional"].Status)
	assert.Equal(t, StepCompleted, snap.StepStates["next"].Status)
	assert.Empty(t, d.callsFor("maybe"))
	_, wrote := snap.Context[ResultKey("optional")]
	assert.False(t, wrote)
}

func TestEngine_ActionRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		if attempts.Add(1) < 3 {
			return &agent.AgentResponse{Success: false, Error: "busy"}, nil
		}
		return okResponse("third time"), nil
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("retry").AddStep(Action("flaky", "x", "try").WithRetry(2)).MustBuild()

	snap := runToEnd(t, e, def, nil)
	require.Equal(t, ExecutionCompleted, snap.Status, snap.Error)
	st := snap.StepStates["flaky"]
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "third time", st.Result)

	calls := d.callsFor("try")
	require.Len(t, calls, 3)
	assert.Equal(t, fmt.Sprintf("%s:flaky:3", snap.ExecutionID), calls[2].RequestID)
}

func TestEngine_ActionRetriesExhausted(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return &agent.AgentResponse{Success: false, Error: "still busy"}, nil
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("retry-fail").AddStep(Action("flaky", "x", "try").WithRetry(1)).MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Equal(t, 2, snap.StepStates["flaky"].Attempts)
	assert.Equal(t, "still busy", snap.StepStates["flaky"].Error)
}

func TestEngine_UnknownAgentIsNotRetried(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return &agent.AgentResponse{Error: "agent not found"}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, req.AgentID)
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("ghost").AddStep(Action("call", "ghost", "run").WithRetry(3)).MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Equal(t, 1, snap.StepStates["call"].Attempts)
	assert.Contains(t, snap.StepStates["call"].Error, "agent not found")
}

func TestEngine_LoopBreakOnError(t *testing.T) {
	t.Parallel()

	failOn := func(iteration int) handlerFunc {
		return func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
			if req.Parameters["i"] == iteration {
				return &agent.AgentResponse{Success: false, Error: "bad iteration"}, nil
			}
			return okResponse(map[string]any{"i": req.Parameters["i"]}), nil
		}
	}
	build := func(breakOnError bool) *WorkflowDefinition {
		return NewDefinitionBuilder("loop").
			AddStep(Loop("rounds", LoopConfig{Type: LoopTypeFor, MaxIterations: 4, BreakOnError: breakOnError},
				Action("body", "x", "work").WithParam("i", "{{loop_iteration}}"),
			)).
			MustBuild()
	}

	t.Run("break", func(t *testing.T) {
		t.Parallel()
		d := &fakeDispatcher{handle: failOn(1)}
		snap := runToEnd(t, newTestEngine(t, d), build(true), nil)

		assert.Equal(t, ExecutionFailed, snap.Status)
		loop := snap.StepStates["rounds"]
		assert.Equal(t, StepFailed, loop.Status)
		assert.Len(t, d.callsFor("work"), 2, "stops at the first failing iteration")
		require.Len(t, loop.Iterations, 2)
		assert.Equal(t, StepCompleted, loop.Iterations[0].Status)
		assert.Equal(t, StepFailed, loop.Iterations[1].Status)
	})

	t.Run("continue", func(t *testing.T) {
		t.Parallel()
		d := &fakeDispatcher{handle: failOn(1)}
		snap := runToEnd(t, newTestEngine(t, d), build(false), nil)

		assert.Equal(t, ExecutionCompleted, snap.Status, snap.Error)
		loop := snap.StepStates["rounds"]
		assert.Equal(t, StepCompleted, loop.Status)
		assert.Len(t, d.callsFor("work"), 4, "runs every iteration")
		require.Len(t, loop.Iterations, 4)
		assert.Equal(t, StepFailed, loop.Iterations[1].Status)

		result := loop.Result.(map[string]any)
		assert.Equal(t, 4, result["iterations"])
		assert.Equal(t, 1, result["failed_iterations"])
		assert.Equal(t, string(StopMaxIterations), result["stop_reason"])
		assert.Equal(t, 3, result["i"], "last successful body result is merged")
	})
}

func TestEngine_WhileLoopStopsOnCondition(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return okResponse(map[string]any{"remaining": 2 - int(n.Add(1))}), nil
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("while").
		AddStep(Loop("drain", LoopConfig{
			Type:          LoopTypeWhile,
			MaxIterations: 10,
			Condition:     Rule("step_pop_result.remaining", OpNotEquals, 0),
		}, Action("pop", "x", "pop"))).
		MustBuild()

	// The first check sees no result yet and must pass, so seed a value.
	snap := runToEnd(t, e, def, map[string]any{"step_pop_result": map[string]any{"remaining": 5}})
	require.Equal(t, ExecutionCompleted, snap.Status, snap.Error)
	result := snap.StepStates["drain"].Result.(map[string]any)
	assert.Equal(t, 2, result["iterations"])
	assert.Equal(t, string(StopCondition), result["stop_reason"])
}

func TestEngine_ForEachLoop(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{handle: func(ctx context.Context, req *agent.AgentRequest) (*agent.AgentResponse, error) {
		return okResponse(req.Parameters["item"]), nil
	}}
	e := newTestEngine(t, d)

	def := NewDefinitionBuilder("foreach").
		AddStep(Loop("each", LoopConfig{Type: LoopTypeForEach, ItemsField: "patients", MaxIterations: 2},
			Action("visit", "x", "visit").WithParam("item", "{{loop_item}}"),
		)).
		MustBuild()

	snap := runToEnd(t, e, def, map[string]any{"patients": []string{"ann", "bob", "cy"}})
	require.Equal(t, ExecutionCompleted, snap.Status, snap.Error)

	calls := d.callsFor("visit")
	require.Len(t, calls, 2, "bounded by max_iterations")
	assert.Equal(t, "ann", calls[0].Parameters["item"])
	assert.Equal(t, "bob", calls[1].Parameters["item"])

	results := snap.Context[ResultsKey("each")].([]any)
	assert.Len(t, results, 2)
}

func TestEngine_ForEachMissingItemsFails(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("foreach-missing").
		AddStep(Loop("each", LoopConfig{Type: LoopTypeForEach, ItemsField: "nope"}, Action("visit", "x", "visit"))).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	assert.Equal(t, ExecutionFailed, snap.Status)
	assert.Contains(t, snap.StepStates["each"].Error, `items_field "nope"`)
}

func TestEngine_ProgressAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := &recordingMetrics{}
	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	ch, unsubscribe := bus.Subscribe(64, events.ExecutionStarted, events.ExecutionFinished)
	defer unsubscribe()

	e := newTestEngine(t, &fakeDispatcher{}, WithMetrics(metrics), WithEventBus(bus))
	def := NewDefinitionBuilder("progress").
		AddStep(
			Action("a", "x", "run"),
			Action("b", "x", "run").When(Rule("never", OpExists, nil)),
			Action("c", "x", "run").DependsOn("a", "b"),
		).
		MustBuild()

	snap := runToEnd(t, e, def, nil)
	require.Equal(t, ExecutionCompleted, snap.Status)

	p, err := e.GetExecutionProgress(snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalSteps)
	assert.Equal(t, 3, p.CompletedSteps)
	assert.Equal(t, 1, p.SkippedSteps)
	assert.InDelta(t, 100.0, p.ProgressPercentage, 0.001)
	assert.Empty(t, p.CurrentSteps)

	assert.Equal(t, int32(1), metrics.started.Load())
	status, _ := metrics.finished.Load("progress")
	assert.Equal(t, "completed", status)
	assert.Equal(t, int32(3), metrics.steps.Load())

	var seen []events.Type
	for len(seen) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, snap.ExecutionID, ev.Subject)
			seen = append(seen, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing lifecycle events, got %v", seen)
		}
	}
	assert.Equal(t, []events.Type{events.ExecutionStarted, events.ExecutionFinished}, seen)

	stats := e.Stats()
	assert.Equal(t, 1, stats["workflows"])
	assert.Equal(t, 1, stats["executions_completed"])
	assert.Positive(t, stats["events_published"])
	assert.Zero(t, stats["events_dropped"])
	assert.Zero(t, stats["runners_rejected"])
}

func TestEngine_ExecuteUnknownWorkflow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	_, err := e.ExecuteWorkflow(context.Background(), "missing", nil, "", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = e.GetExecutionProgress("nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, e.CancelExecution("nope"), ErrExecutionNotFound)
	assert.ErrorIs(t, e.SetContextValue("nope", "k", 1), ErrExecutionNotFound)
}

func TestEngine_RegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	err := e.RegisterWorkflow(context.Background(), &WorkflowDefinition{ID: "empty"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Empty(t, e.ListWorkflows())
}

func TestEngine_RegisterStoresCopy(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeDispatcher{})

	def := NewDefinitionBuilder("b").AddStep(Action("a", "x", "y")).MustBuild()
	require.NoError(t, e.RegisterWorkflow(context.Background(), def))
	require.NoError(t, e.RegisterWorkflow(context.Background(), NewDefinitionBuilder("a").AddStep(Action("a", "x", "y")).MustBuild()))
	def.Steps[0].Agent = "mutated"

	got, ok := e.GetWorkflow("b")
	require.True(t, ok)
	assert.Equal(t, "x", got.Steps[0].Agent)

	list := e.ListWorkflows()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestEngine_ExecutionLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 1
	cfg.QueueSize = 0
	e := newTestEngineWithConfig(t, &fakeDispatcher{}, cfg)

	def := NewDefinitionBuilder("gate").AddStep(WaitUntil("hold", Rule("go", OpEquals, true))).MustBuild()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))

	first, err := e.ExecuteWorkflow(ctx, def.ID, nil, "", nil)
	require.NoError(t, err)
	waitForStepStatus(t, first, "hold", StepRunning)

	_, err = e.ExecuteWorkflow(ctx, def.ID, nil, "", nil)
	assert.ErrorIs(t, err, ErrExecutionLimit)

	require.NoError(t, first.SetContextValue("go", true))
	_, err = first.Wait(ctx)
	require.NoError(t, err)
}

func TestEngine_ListCleanupAndArchive(t *testing.T) {
	t.Parallel()

	store := NewMemoryExecutionStore()
	e := newTestEngine(t, &fakeDispatcher{}, WithExecutionStore(store))
	def := NewDefinitionBuilder("archive").AddStep(Action("a", "x", "run")).MustBuild()

	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	var ids []string
	for _, user := range []string{"u1", "u2", "u1"} {
		exec, err := e.ExecuteWorkflow(ctx, def.ID, nil, user, nil)
		require.NoError(t, err)
		_, err = exec.Wait(ctx)
		require.NoError(t, err)
		ids = append(ids, exec.ID())
	}

	mine, err := e.ListExecutions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	all, err := e.ListExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 3, e.CleanupCompletedExecutions(time.Millisecond))
	_, live := e.GetExecution(ids[0])
	assert.False(t, live)

	snap, err := e.GetExecutionSnapshot(ctx, ids[0])
	require.NoError(t, err, "archived snapshot is still readable")
	assert.Equal(t, ExecutionCompleted, snap.Status)
	assert.NotNil(t, snap.EndTime)

	all, err = e.ListExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = e.GetExecutionSnapshot(ctx, "unknown")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngine_Shutdown(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeDispatcher{}, testConfig(), zap.NewNop())

	def := NewDefinitionBuilder("gate").AddStep(WaitUntil("hold", Rule("go", OpEquals, true))).MustBuild()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, def))
	exec, err := e.ExecuteWorkflow(ctx, def.ID, nil, "", nil)
	require.NoError(t, err)
	waitForStepStatus(t, exec, "hold", StepRunning)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	assert.Equal(t, ExecutionCancelled, exec.Status())
	select {
	case <-exec.Done():
	default:
		t.Fatal("execution still running after shutdown")
	}

	_, err = e.ExecuteWorkflow(ctx, def.ID, nil, "", nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

type memoryDefinitions struct {
	mu   sync.Mutex
	defs map[string]*WorkflowDefinition
}

func (m *memoryDefinitions) SaveDefinition(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def.Clone()
	return nil
}

func (m *memoryDefinitions) ListDefinitions(context.Context) ([]*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WorkflowDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (m *memoryDefinitions) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, id)
	return nil
}

func TestEngine_DefinitionStore(t *testing.T) {
	t.Parallel()

	store := &memoryDefinitions{defs: map[string]*WorkflowDefinition{}}
	first := newTestEngine(t, &fakeDispatcher{}, WithDefinitionStore(store))
	require.NoError(t, first.RegisterWorkflow(context.Background(),
		NewDefinitionBuilder("persisted").AddStep(Action("a", "x", "y")).MustBuild()))

	second := newTestEngine(t, &fakeDispatcher{}, WithDefinitionStore(store))
	n, err := second.LoadDefinitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := second.GetWorkflow("persisted")
	assert.True(t, ok)

	require.NoError(t, second.UnregisterWorkflow(context.Background(), "persisted"))
	_, ok = second.GetWorkflow("persisted")
	assert.False(t, ok)
	assert.Empty(t, store.defs)
	assert.ErrorIs(t, second.UnregisterWorkflow(context.Background(), "persisted"), ErrWorkflowNotFound)
}
