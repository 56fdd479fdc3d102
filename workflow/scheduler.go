package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentnet/events"
)

type stepOutcome struct {
	stepID string
	err    error
}

// run drives one execution from PENDING to a terminal status.
func (e *WorkflowEngine) run(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition) {
	defer exec.cancel()
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("workflow.execution_id", exec.id),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow execution panicked",
				zap.String("execution_id", exec.id),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			exec.transition(ExecutionFailed, fmt.Sprintf("internal error: %v", r))
		}
		e.complete(ctx, exec, def, start, span)
	}()

	// Every execution that reaches a runner is reported as started, so each
	// RecordExecutionStarted pairs with the RecordExecutionFinished in complete.
	if e.metrics != nil {
		e.metrics.RecordExecutionStarted(def.ID)
	}

	// Cancelled while still queued.
	if !exec.transition(ExecutionRunning, "") {
		e.abandonPending(exec, exec.steps, "execution cancelled")
		return
	}

	e.publish(events.ExecutionStarted, exec, nil)
	e.logger.Info("workflow execution started",
		zap.String("execution_id", exec.id),
		zap.String("workflow_id", def.ID),
	)

	err := e.runScope(ctx, exec, def.Steps, exec.steps, 0, func(err error) {
		// Flip the status now; steps already in flight still finish, except
		// waits, which nothing can release any more.
		exec.transition(ExecutionFailed, err.Error())
		exec.abort()
	})

	switch {
	case err != nil:
		exec.transition(ExecutionFailed, err.Error())
	case ctx.Err() != nil:
		exec.transition(ExecutionCancelled, "execution cancelled")
	default:
		exec.transition(ExecutionCompleted, "")
	}
}

// complete stamps the end time, archives the execution and releases Wait.
func (e *WorkflowEngine) complete(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition, start time.Time, span trace.Span) {
	e.abandonPending(exec, exec.steps, "execution cancelled")
	exec.update(func() {
		now := time.Now()
		exec.endTime = &now
	})

	snap := exec.Snapshot()
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("workflow.status", string(snap.Status)))
	if snap.Status == ExecutionFailed {
		span.SetStatus(codes.Error, snap.Error)
	}
	if e.metrics != nil {
		e.metrics.RecordExecutionFinished(def.ID, string(snap.Status), elapsed)
	}

	if e.store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := e.store.Save(saveCtx, &snap); err != nil {
			e.logger.Warn("failed to archive execution", zap.String("execution_id", exec.id), zap.Error(err))
		}
		cancel()
	}

	e.publish(events.ExecutionFinished, exec, map[string]any{
		"status":   string(snap.Status),
		"error":    snap.Error,
		"duration": elapsed.String(),
	})
	e.logger.Info("workflow execution finished",
		zap.String("execution_id", exec.id),
		zap.String("workflow_id", def.ID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", elapsed),
		zap.String("error", snap.Error),
	)
	close(exec.done)
}

// runScope schedules steps whose states live in states, respecting
// dependencies. Ready steps start in declaration order; limit > 0 caps how
// many run at once. The first failure stops new scheduling (steps already
// running finish) and is returned. onFailure, if set, sees it immediately.
// Steps never started end CANCELLED.
func (e *WorkflowEngine) runScope(ctx context.Context, exec *WorkflowExecution, steps []WorkflowStep, states map[string]*StepState, limit int, onFailure func(error)) error {
	results := make(chan stepOutcome, len(steps))
	var g errgroup.Group

	var failure error
	inFlight := 0

	for {
		for failure == nil && ctx.Err() == nil {
			room := -1
			if limit > 0 {
				if room = limit - inFlight; room <= 0 {
					break
				}
			}
			started, skipped := e.scheduleReady(ctx, exec, steps, states, room, &g, results)
			inFlight += started
			if skipped == 0 {
				break
			}
		}
		if inFlight == 0 {
			break
		}

		out := <-results
		inFlight--
		if out.err != nil && failure == nil && !errors.Is(out.err, ErrStepCancelled) {
			failure = &StepFailedError{StepID: out.stepID, Err: out.err}
			if onFailure != nil {
				onFailure(failure)
			}
		}
	}
	_ = g.Wait()

	switch {
	case failure != nil:
		e.abandonPending(exec, states, "not started: "+failure.Error())
	case ctx.Err() != nil:
		e.abandonPending(exec, states, "execution cancelled")
	}
	return failure
}

// scheduleReady starts every ready step (at most room, or all when room < 0) and
// skips those whose gate is false. Skips can make more steps ready, so the
// caller repeats while skipped > 0.
func (e *WorkflowEngine) scheduleReady(ctx context.Context, exec *WorkflowExecution, steps []WorkflowStep, states map[string]*StepState, room int, g *errgroup.Group, results chan<- stepOutcome) (started, skipped int) {
	vars := exec.varsFor(ctx)

	for i := range steps {
		step := &steps[i]
		if room >= 0 && started >= room {
			return started, skipped
		}
		if !e.ready(exec, step, states) {
			continue
		}

		st := states[step.ID]
		if gated(step) && !e.evaluator.Evaluate(step.Condition, vars) {
			e.skipStep(exec, step, st)
			skipped++
			continue
		}

		exec.update(func() {
			now := time.Now()
			st.Status = StepRunning
			st.StartTime = &now
		})
		started++
		g.Go(func() error {
			results <- stepOutcome{stepID: step.ID, err: e.executeStep(ctx, exec, step, st)}
			return nil
		})
	}
	return started, skipped
}

// ready reports whether step is PENDING and every dependency is satisfied.
func (e *WorkflowEngine) ready(exec *WorkflowExecution, step *WorkflowStep, states map[string]*StepState) bool {
	exec.mu.RLock()
	defer exec.mu.RUnlock()

	if states[step.ID].Status != StepPending {
		return false
	}
	for _, dep := range step.Dependencies {
		ds, ok := states[dep]
		if !ok || !ds.Status.Satisfied() {
			return false
		}
	}
	return true
}

// gated reports whether step.Condition decides if the step runs. For
// condition steps the rule is the step's own predicate instead.
func gated(step *WorkflowStep) bool {
	return step.Condition != nil && step.Type.Normalize() != StepTypeCondition
}

func (e *WorkflowEngine) skipStep(exec *WorkflowExecution, step *WorkflowStep, st *StepState) {
	exec.update(func() {
		now := time.Now()
		st.Status = StepSkipped
		st.StartTime = &now
		st.EndTime = &now
	})
	if e.metrics != nil {
		e.metrics.RecordStep(string(step.Type.Normalize()), string(StepSkipped), 0)
	}
	e.publish(events.StepFinished, exec, map[string]any{
		"step_id":   step.ID,
		"step_type": string(step.Type.Normalize()),
		"status":    string(StepSkipped),
	})
	e.logger.Debug("step skipped",
		zap.String("execution_id", exec.id),
		zap.String("step_id", step.ID),
		zap.String("condition", step.Condition.String()),
	)
}

// abandonPending marks every still-PENDING state CANCELLED.
func (e *WorkflowEngine) abandonPending(exec *WorkflowExecution, states map[string]*StepState, reason string) {
	exec.update(func() {
		now := time.Now()
		for _, st := range states {
			if st.Status == StepPending {
				st.Status = StepCancelled
				st.Error = reason
				st.EndTime = &now
			}
		}
	})
}
