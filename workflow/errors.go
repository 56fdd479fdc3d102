package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWorkflowNotFound is returned when a workflow id is not registered.
	ErrWorkflowNotFound = errors.New("workflow: workflow not found")
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("workflow: execution not found")
	// ErrInvalidDefinition wraps every definition validation failure.
	ErrInvalidDefinition = errors.New("workflow: invalid definition")
	// ErrExecutionFinished is returned when mutating an execution that already reached a terminal status.
	ErrExecutionFinished = errors.New("workflow: execution already finished")
	// ErrExecutionLimit is returned when the engine is running its maximum number of executions.
	ErrExecutionLimit = errors.New("workflow: too many concurrent executions")
	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("workflow: engine is shut down")

	// ErrStepTimeout marks a step that exceeded its timeout.
	ErrStepTimeout = errors.New("workflow: step timed out")
	// ErrLoopLimitExceeded marks a loop stopped by max_iterations. It is
	// informational and never fails the loop.
	ErrLoopLimitExceeded = errors.New("workflow: loop reached max iterations")
	// ErrStepCancelled marks a step abandoned because its execution was cancelled.
	ErrStepCancelled = errors.New("workflow: step cancelled")

	// errAbandoned ends waits and loops still running after another step failed the execution.
	errAbandoned = fmt.Errorf("%w: execution already failed", ErrStepCancelled)
)

// StepTimeoutError reports which step timed out and its budget.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}

// Unwrap allows errors.Is(err, ErrStepTimeout).
func (e *StepTimeoutError) Unwrap() error { return ErrStepTimeout }

// StepFailedError is the execution-level summary of the step that failed it.
type StepFailedError struct {
	StepID string
	Err    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }
