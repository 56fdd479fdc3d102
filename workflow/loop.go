package workflow

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// StopReason records why a loop ended.
type StopReason string

const (
	StopMaxIterations  StopReason = "max_iterations"
	StopItemsExhausted StopReason = "items_exhausted"
	StopCondition      StopReason = "condition"
)

// LoopController decides loop continuation. It holds no per-loop state.
type LoopController struct {
	evaluator  *ConditionEvaluator
	defaultMax int
}

// NewLoopController creates a controller; defaultMax applies to loops
// configured with max_iterations = 0.
func NewLoopController(evaluator *ConditionEvaluator, defaultMax int) *LoopController {
	if evaluator == nil {
		evaluator = NewConditionEvaluator()
	}
	if defaultMax <= 0 {
		defaultMax = 1000
	}
	return &LoopController{evaluator: evaluator, defaultMax: defaultMax}
}

// MaxIterations returns the effective iteration bound for cfg.
func (c *LoopController) MaxIterations(cfg *LoopConfig) int {
	if cfg == nil || cfg.MaxIterations <= 0 {
		return c.defaultMax
	}
	return cfg.MaxIterations
}

// ShouldContinue reports whether iteration (0-based) may start. items is
// only consulted for foreach loops. The bound is enforced for every loop type.
func (c *LoopController) ShouldContinue(cfg *LoopConfig, iteration int, items []any, vars map[string]any) (bool, StopReason) {
	if iteration >= c.MaxIterations(cfg) {
		return false, StopMaxIterations
	}
	switch cfg.Type.Normalize() {
	case LoopTypeForEach:
		if iteration >= len(items) {
			return false, StopItemsExhausted
		}
	default:
		if cfg.Condition != nil && !c.evaluator.Evaluate(cfg.Condition, vars) {
			return false, StopCondition
		}
	}
	return true, ""
}

// Items resolves a foreach loop's list from the context.
func (c *LoopController) Items(cfg *LoopConfig, vars map[string]any) ([]any, error) {
	raw, ok := LookupPath(vars, cfg.ItemsField)
	if !ok || raw == nil {
		return nil, fmt.Errorf("items_field %q not found in context", cfg.ItemsField)
	}
	if items, ok := raw.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("items_field %q is %T, not a list", cfg.ItemsField, raw)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// runLoop executes the body once per iteration. Body steps run one at a
// time in dependency order with gating applied. A failed iteration stops
// the loop with an error when BreakOnError is set and is otherwise recorded
// and skipped over.
func (e *WorkflowEngine) runLoop(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, st *StepState) (any, error) {
	cfg := step.LoopConfig

	var items []any
	if cfg.Type.Normalize() == LoopTypeForEach {
		var err error
		if items, err = e.loops.Items(cfg, exec.varsFor(ctx)); err != nil {
			return nil, err
		}
	}

	var (
		iterationResults []any
		lastResult       any
		failedIterations int
		reason           StopReason
	)
	iteration := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exec.abandoned() {
			return nil, errAbandoned
		}
		ok, why := e.loops.ShouldContinue(cfg, iteration, items, exec.varsFor(withLoopVars(ctx, iteration)))
		if !ok {
			reason = why
			break
		}

		iterCtx := withLoopVars(ctx, iteration)
		if items != nil {
			iterCtx = withLoopVars(ctx, iteration, items[iteration])
		}

		record := &IterationRecord{Index: iteration, Steps: make(map[string]*StepState, len(step.LoopSteps))}
		for i := range step.LoopSteps {
			record.Steps[step.LoopSteps[i].ID] = newStepState(&step.LoopSteps[i])
		}
		exec.update(func() { st.Iterations = append(st.Iterations, record) })

		err := e.runScope(iterCtx, exec, step.LoopSteps, record.Steps, 1, nil)
		if err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil && exec.abandoned() {
			exec.update(func() {
				record.Status = StepCancelled
				record.Error = errAbandoned.Error()
			})
			return nil, errAbandoned
		}

		results, last := iterationOutputs(exec, step.LoopSteps, record.Steps)
		exec.update(func() {
			record.Status = StepCompleted
			if err != nil {
				record.Status = StepFailed
				record.Error = err.Error()
			}
		})
		iterationResults = append(iterationResults, results)
		iteration++

		if err != nil {
			failedIterations++
			if cfg.BreakOnError {
				e.logger.Warn("loop stopped by failed iteration",
					zap.String("execution_id", exec.id),
					zap.String("step_id", step.ID),
					zap.Int("iteration", iteration-1),
					zap.Error(err),
				)
				exec.setVar(IterationsKey(step.ID), iteration)
				exec.setVar(ResultsKey(step.ID), iterationResults)
				return nil, fmt.Errorf("iteration %d: %w", iteration-1, err)
			}
			e.logger.Info("loop iteration failed, continuing",
				zap.String("execution_id", exec.id),
				zap.String("step_id", step.ID),
				zap.Int("iteration", iteration-1),
				zap.Error(err),
			)
			continue
		}
		if last != nil {
			lastResult = last
		}
	}

	if reason == StopMaxIterations {
		e.logger.Info("loop reached its iteration bound",
			zap.String("execution_id", exec.id),
			zap.String("step_id", step.ID),
			zap.Int("iterations", iteration),
			zap.NamedError("reason", ErrLoopLimitExceeded),
		)
	}

	exec.setVar(IterationsKey(step.ID), iteration)
	exec.setVar(ResultsKey(step.ID), iterationResults)

	out := make(map[string]any)
	if m, ok := lastResult.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	out["iterations"] = iteration
	out["iteration_results"] = iterationResults
	out["stop_reason"] = string(reason)
	if failedIterations > 0 {
		out["failed_iterations"] = failedIterations
	}
	return out, nil
}

// iterationOutputs collects the completed body results of one iteration
// and the last of them in declaration order.
func iterationOutputs(exec *WorkflowExecution, body []WorkflowStep, states map[string]*StepState) (map[string]any, any) {
	exec.mu.RLock()
	defer exec.mu.RUnlock()

	results := make(map[string]any, len(body))
	var last any
	for i := range body {
		st := states[body[i].ID]
		if st.Status == StepCompleted {
			results[body[i].ID] = st.Result
			last = st.Result
		}
	}
	return results, last
}

type loopFrameKey struct{}

// loopVars returns the loop variables of the innermost loop running ctx.
// Each loop keeps its own frame, so loops on parallel branches never see
// each other's iteration.
func loopVars(ctx context.Context) map[string]any {
	vars, _ := ctx.Value(loopFrameKey{}).(map[string]any)
	return vars
}

// withLoopVars derives a frame for one iteration. An outer loop's variables
// stay visible unless shadowed; item is set only for foreach loops.
func withLoopVars(ctx context.Context, iteration int, item ...any) context.Context {
	outer := loopVars(ctx)
	frame := make(map[string]any, len(outer)+2)
	for k, v := range outer {
		frame[k] = v
	}
	frame[ContextKeyLoopIteration] = iteration
	if len(item) > 0 {
		frame[ContextKeyLoopItem] = item[0]
	}
	return context.WithValue(ctx, loopFrameKey{}, frame)
}
