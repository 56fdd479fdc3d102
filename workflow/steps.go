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

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/events"
)

// executeStep runs a step already marked RUNNING and records its outcome.
// The returned error is nil for COMPLETED steps and wraps ErrStepCancelled
// when the step was abandoned because ctx ended.
func (e *WorkflowEngine) executeStep(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, st *StepState) error {
	typ := step.Type.Normalize()
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.execution_id", exec.id),
		attribute.String("workflow.step_id", step.ID),
		attribute.String("workflow.step_type", string(typ)),
	))
	defer span.End()

	e.publish(events.StepStarted, exec, map[string]any{
		"step_id":   step.ID,
		"step_type": string(typ),
	})

	// Condition steps evaluate synchronously and take no timeout.
	stepCtx := ctx
	timeout := step.Timeout.orDefault(e.cfg.DefaultStepTimeout)
	if typ != StepTypeCondition {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		result any
		err    error
	)
	switch typ {
	case StepTypeAction:
		result, err = e.runAction(stepCtx, exec, step, st)
	case StepTypeCondition:
		result = e.evaluator.Evaluate(step.Condition, exec.varsFor(ctx))
	case StepTypeParallel:
		result, err = e.runParallel(stepCtx, exec, step, st)
	case StepTypeLoop:
		result, err = e.runLoop(stepCtx, exec, step, st)
	case StepTypeWait:
		result, err = e.runWait(stepCtx, exec, step)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}

	status := StepCompleted
	if err != nil {
		switch {
		case ctx.Err() != nil:
			status = StepCancelled
			err = fmt.Errorf("%w: %v", ErrStepCancelled, context.Cause(ctx))
		case errors.Is(err, ErrStepCancelled):
			status = StepCancelled
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrStepTimeout):
			status = StepFailed
			err = &StepTimeoutError{StepID: step.ID, Timeout: timeout}
		default:
			status = StepFailed
		}
	}

	exec.update(func() {
		now := time.Now()
		st.Status = status
		st.EndTime = &now
		if err != nil {
			st.Error = err.Error()
			return
		}
		st.Result = result
		exec.vars[ResultKey(step.ID)] = result
		switch typ {
		case StepTypeCondition:
			exec.vars[ConditionKey(step.ID)] = result
			branch := "else"
			if ok, _ := result.(bool); ok {
				branch = "if"
			}
			exec.vars[BranchKey(step.ID)] = branch
		case StepTypeParallel:
			exec.vars[ParallelCompletedKey(step.ID)] = true
		}
	})

	elapsed := stepDuration(exec, st)
	if e.metrics != nil {
		e.metrics.RecordStep(string(typ), string(status), elapsed)
	}
	span.SetAttributes(attribute.String("workflow.step_status", string(status)))

	data := map[string]any{
		"step_id":   step.ID,
		"step_type": string(typ),
		"status":    string(status),
		"duration":  elapsed.String(),
	}
	if err != nil {
		data["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("step finished unsuccessfully",
			zap.String("execution_id", exec.id),
			zap.String("step_id", step.ID),
			zap.String("status", string(status)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
	} else {
		e.logger.Debug("step completed",
			zap.String("execution_id", exec.id),
			zap.String("step_id", step.ID),
			zap.String("type", string(typ)),
			zap.Duration("duration", elapsed),
		)
	}
	e.publish(events.StepFinished, exec, data)
	return err
}

func stepDuration(exec *WorkflowExecution, st *StepState) time.Duration {
	exec.mu.RLock()
	defer exec.mu.RUnlock()
	return st.Duration()
}

// runAction resolves the step parameters and dispatches them, retrying up
// to RetryCount extra times with exponential backoff. The step timeout
// bounds all attempts together.
func (e *WorkflowEngine) runAction(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, st *StepState) (any, error) {
	if e.dispatcher == nil {
		return nil, errors.New("no agent dispatcher configured")
	}
	params := ResolveParameters(step.Parameters, exec.varsFor(ctx))

	var lastErr error
	for attempt := 1; attempt <= step.RetryCount+1; attempt++ {
		if attempt > 1 {
			backoff := e.cfg.RetryBaseDelay << (attempt - 2)
			e.logger.Debug("retrying action",
				zap.String("execution_id", exec.id),
				zap.String("step_id", step.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		exec.update(func() { st.Attempts = attempt })

		resp, err := e.dispatcher.SendRequest(ctx, &agent.AgentRequest{
			AgentID:    step.Agent,
			Action:     step.Action,
			Parameters: params,
			UserID:     exec.userID,
			RequestID:  fmt.Sprintf("%s:%s:%d", exec.id, step.ID, attempt),
		})
		if err == nil && resp != nil && resp.Success {
			return resp.Data, nil
		}

		switch {
		case err != nil:
			lastErr = err
		case resp != nil && resp.Error != "":
			lastErr = errors.New(resp.Error)
		default:
			lastErr = fmt.Errorf("agent %s returned no result", step.Agent)
		}
		if ctx.Err() != nil || errors.Is(err, agent.ErrAgentNotFound) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// runParallel runs the children as an independent scope under the
// parent's context, so the parent's timeout bounds the whole group.
func (e *WorkflowEngine) runParallel(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, st *StepState) (any, error) {
	children := make(map[string]*StepState, len(step.ParallelSteps))
	for i := range step.ParallelSteps {
		children[step.ParallelSteps[i].ID] = newStepState(&step.ParallelSteps[i])
	}
	exec.update(func() { st.Children = children })

	if err := e.runScope(ctx, exec, step.ParallelSteps, children, 0, nil); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exec.mu.RLock()
	defer exec.mu.RUnlock()
	results := make(map[string]any, len(children))
	for id, cs := range children {
		switch cs.Status {
		case StepCompleted:
			results[id] = cs.Result
		case StepCancelled:
			return nil, errAbandoned
		}
	}
	return results, nil
}

// runWait sleeps for WaitDuration, or polls WaitCondition against the live
// context until it holds. Either way ctx (carrying the step timeout) wins,
// and a wait still pending when the execution fails ends CANCELLED.
func (e *WorkflowEngine) runWait(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep) (any, error) {
	start := time.Now()

	if step.WaitCondition == nil {
		timer := time.NewTimer(step.WaitDuration.Std())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exec.aborted:
			return nil, errAbandoned
		case <-timer.C:
		}
	} else {
		ticker := time.NewTicker(e.cfg.WaitPollInterval)
		defer ticker.Stop()
		for !e.evaluator.Evaluate(step.WaitCondition, exec.varsFor(ctx)) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-exec.aborted:
				return nil, errAbandoned
			case <-ticker.C:
			}
		}
	}

	exec.setVar(WaitCompletedKey(step.ID), true)
	return map[string]any{
		"wait_completed": true,
		"waited":         time.Since(start).String(),
	}, nil
}
