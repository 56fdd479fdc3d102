package handlers

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/types"
	"github.com/BaSui01/agentnet/workflow"
)

// ExecutionHandler 查询与控制工作流执行
type ExecutionHandler struct {
	engine *workflow.WorkflowEngine
	logger *zap.Logger
}

// NewExecutionHandler 创建执行处理器
func NewExecutionHandler(engine *workflow.WorkflowEngine, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{engine: engine, logger: logger.With(zap.String("handler", "execution"))}
}

// HandleList GET /api/v1/executions?user_id=
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.engine.ListExecutions(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snaps)
}

// HandleGet GET /api/v1/executions/{id}
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetExecutionSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleProgress GET /api/v1/executions/{id}/progress
func (h *ExecutionHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.engine.GetExecutionProgress(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, progress)
}

// HandleCancel POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.CancelExecution(id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.logger.Debug("execution cancelled via API", zap.String("execution_id", id))

	snap, err := h.engine.GetExecutionSnapshot(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleSetContext POST /api/v1/executions/{id}/context
//
// 请求体是 {key: value} 对象，每个键写入执行上下文（例如人工确认信号）。
func (h *ExecutionHandler) HandleSetContext(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := DecodeJSONBody(w, r, &values, false, h.logger); err != nil {
		return
	}
	if len(values) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "at least one context key is required", h.logger)
		return
	}

	id := r.PathValue("id")
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := h.engine.SetContextValue(id, k, values[k]); err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
	}
	WriteSuccess(w, map[string]any{"execution_id": id, "keys": keys})
}
