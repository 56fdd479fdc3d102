package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/types"
	"github.com/BaSui01/agentnet/workflow"
)

// =============================================================================
// 🧩 Workflow 定义与执行 Handler
// =============================================================================

// WorkflowHandler 处理工作流定义的注册、查询以及执行启动
type WorkflowHandler struct {
	engine *workflow.WorkflowEngine
	logger *zap.Logger
}

// WorkflowSummary 列表接口返回的定义摘要
type WorkflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"step_count"`
}

// ExecuteRequest 启动执行的请求体
type ExecuteRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(engine *workflow.WorkflowEngine, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{engine: engine, logger: logger.With(zap.String("handler", "workflow"))}
}

// HandleList GET /api/v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.ListWorkflows()
	out := make([]WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, WorkflowSummary{
			ID:          def.ID,
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
			StepCount:   len(def.Steps),
		})
	}
	WriteSuccess(w, out)
}

// HandleGet GET /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := h.engine.GetWorkflow(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrWorkflowNotFound, "workflow "+id+" not found", h.logger)
		return
	}

	// ?format=yaml 导出原始定义文件，可直接放进定义目录
	if r.URL.Query().Get("format") == "yaml" {
		data, err := def.ToYAML()
		if err != nil {
			WriteError(w, types.NewError(types.ErrInternalError, "failed to encode workflow").WithCause(err), h.logger)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	WriteSuccess(w, def)
}

// HandleRegister POST /api/v1/workflows
//
// 请求体为 JSON 或 YAML 定义，按 Content-Type 选择解析器。同 ID 的定义会被替换。
func (h *WorkflowHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "cannot read request body").WithCause(err), h.logger)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "request body is empty", h.logger)
		return
	}

	var def *workflow.WorkflowDefinition
	switch mediaType(r) {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		def, err = workflow.ParseDefinitionYAML(body)
	case "", "application/json":
		def, err = workflow.ParseDefinitionJSON(body)
	default:
		WriteErrorMessage(w, http.StatusUnsupportedMediaType, types.ErrInvalidRequest,
			"Content-Type must be application/json or application/yaml", h.logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidDefinition, "invalid workflow definition").WithCause(err), h.logger)
		return
	}

	if err := h.engine.RegisterWorkflow(r.Context(), def); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	stored, _ := h.engine.GetWorkflow(def.ID)
	WriteStatus(w, http.StatusCreated, stored)
}

// HandleDelete DELETE /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.UnregisterWorkflow(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": id})
}

// HandleExecute POST /api/v1/workflows/{id}/execute
//
// 执行异步启动，立即返回 202 与当前快照。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, true, h.logger); err != nil {
		return
	}

	exec, err := h.engine.ExecuteWorkflow(r.Context(), r.PathValue("id"), req.Parameters, userID(r, req.UserID), req.Context)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+exec.ID())
	WriteStatus(w, http.StatusAccepted, exec.Snapshot())
}
