package handlers

import (
	"context"
	"errors"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/types"
	"github.com/BaSui01/agentnet/workflow"
)

// ToAPIError 将 workflow / agent 包的哨兵错误映射为 *types.Error。
// 已经是 *types.Error 的原样返回；无法识别的错误归为 INTERNAL_ERROR。
func ToAPIError(err error) *types.Error {
	if apiErr, ok := types.AsError(err); ok {
		return apiErr
	}

	var (
		code      types.ErrorCode
		message   string
		retryable bool
	)
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		code, message = types.ErrWorkflowNotFound, "workflow not found"
	case errors.Is(err, workflow.ErrExecutionNotFound):
		code, message = types.ErrExecutionNotFound, "execution not found"
	case errors.Is(err, workflow.ErrInvalidDefinition):
		code, message = types.ErrInvalidDefinition, "invalid workflow definition"
	case errors.Is(err, workflow.ErrExecutionFinished):
		code, message = types.ErrExecutionFinished, "execution already finished"
	case errors.Is(err, workflow.ErrExecutionLimit):
		code, message, retryable = types.ErrTooManyExecutions, "too many concurrent executions", true
	case errors.Is(err, workflow.ErrEngineClosed):
		code, message = types.ErrEngineShuttingDown, "workflow engine is shutting down"
	case errors.Is(err, agent.ErrAgentNotFound):
		code, message = types.ErrAgentNotFound, "agent not found"
	case errors.Is(err, agent.ErrAgentOffline):
		code, message, retryable = types.ErrAgentOffline, "agent is offline", true
	case errors.Is(err, agent.ErrDuplicateAgent):
		code, message = types.ErrAgentConflict, "agent already registered"
	case errors.Is(err, agent.ErrInvalidAgent):
		code, message = types.ErrInvalidRequest, "invalid agent"
	case errors.Is(err, context.DeadlineExceeded):
		code, message, retryable = types.ErrTimeout, "request timed out", true
	case errors.Is(err, agent.ErrAgentDispatch):
		code, message, retryable = types.ErrAgentDispatch, "agent dispatch failed", true
	default:
		code, message = types.ErrInternalError, "internal error"
	}
	return types.NewError(code, message).WithCause(err).WithRetryable(retryable)
}
