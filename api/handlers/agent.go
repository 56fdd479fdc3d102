package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/types"
)

// =============================================================================
// 🤖 Agent Handler
// =============================================================================

// AgentHandler 暴露 agent 注册表、健康状态与手动调度
type AgentHandler struct {
	manager *agent.AgentManager
	logger  *zap.Logger
}

// AgentActionRequest 手动调度请求体
type AgentActionRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	// Timeout 可选，Go duration 字符串（例如 "5s"）
	Timeout string `json:"timeout,omitempty"`
}

// AgentHealthResponse 按需健康检查结果
type AgentHealthResponse struct {
	AgentID      string            `json:"agent_id"`
	Status       agent.AgentStatus `json:"status"`
	Healthy      bool              `json:"healthy"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// NewAgentHandler 创建 agent 处理器
func NewAgentHandler(manager *agent.AgentManager, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{manager: manager, logger: logger.With(zap.String("handler", "agent"))}
}

// HandleList GET /api/v1/agents，可选 ?capability= 过滤在线且具备该能力的 agent
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if capability := r.URL.Query().Get("capability"); capability != "" {
		WriteSuccess(w, h.manager.FindByCapability(capability))
		return
	}
	WriteSuccess(w, h.manager.ListAgents())
}

// HandleGet GET /api/v1/agents/{id}
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := h.manager.GetAgentInfo(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrAgentNotFound, "agent "+id+" not found", h.logger)
		return
	}
	WriteSuccess(w, info)
}

// HandleMetrics GET /api/v1/agents/{id}/metrics
func (h *AgentHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	metrics, ok := h.manager.GetAgentMetrics(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrAgentNotFound, "agent "+id+" not found", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"metrics":      metrics,
		"success_rate": metrics.SuccessRate(),
	})
}

// HandleHealthCheck POST /api/v1/agents/{id}/health 立即执行一次健康检查
func (h *AgentHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.manager.CheckHealth(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	info, _ := h.manager.GetAgentInfo(id)
	WriteSuccess(w, AgentHealthResponse{
		AgentID:      id,
		Status:       status,
		Healthy:      status == agent.StatusOnline,
		ErrorMessage: info.ErrorMessage,
		CheckedAt:    info.LastHealthCheck,
	})
}

// HandleAction POST /api/v1/agents/{id}/actions
//
// agent 返回 {"success": false} 时仍是 200，失败原因在响应体里；
// 找不到 agent、agent 离线或网络失败时返回对应错误码。
func (h *AgentHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req AgentActionRequest
	if err := DecodeJSONBody(w, r, &req, false, h.logger); err != nil {
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "action is required", h.logger)
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "timeout must be a positive duration", h.logger)
			return
		}
		timeout = d
	}

	resp, err := h.manager.SendRequest(r.Context(), &agent.AgentRequest{
		AgentID:    r.PathValue("id"),
		Action:     req.Action,
		Parameters: req.Parameters,
		UserID:     userID(r, req.UserID),
		Timeout:    timeout,
	})
	if err != nil {
		apiErr := ToAPIError(err)
		var derr *agent.DispatchError
		if errors.As(err, &derr) && derr.StatusCode > 0 {
			apiErr.Message = "agent returned an error status"
		}
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleNetworkStatus GET /api/v1/network/status
func (h *AgentHandler) HandleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.manager.GetNetworkStatus())
}
