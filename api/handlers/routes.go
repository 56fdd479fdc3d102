package handlers

import "net/http"

// APIPrefix is the mount point of the REST API.
const APIPrefix = "/api/v1"

// API groups the handlers served under APIPrefix. A nil Events handler
// leaves the websocket route unregistered.
type API struct {
	Workflows  *WorkflowHandler
	Executions *ExecutionHandler
	Agents     *AgentHandler
	Events     *EventsHandler
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	p := APIPrefix

	mux.HandleFunc("GET "+p+"/workflows", a.Workflows.HandleList)
	mux.HandleFunc("POST "+p+"/workflows", a.Workflows.HandleRegister)
	mux.HandleFunc("GET "+p+"/workflows/{id}", a.Workflows.HandleGet)
	mux.HandleFunc("DELETE "+p+"/workflows/{id}", a.Workflows.HandleDelete)
	mux.HandleFunc("POST "+p+"/workflows/{id}/execute", a.Workflows.HandleExecute)

	mux.HandleFunc("GET "+p+"/executions", a.Executions.HandleList)
	mux.HandleFunc("GET "+p+"/executions/{id}", a.Executions.HandleGet)
	mux.HandleFunc("GET "+p+"/executions/{id}/progress", a.Executions.HandleProgress)
	mux.HandleFunc("POST "+p+"/executions/{id}/cancel", a.Executions.HandleCancel)
	mux.HandleFunc("POST "+p+"/executions/{id}/context", a.Executions.HandleSetContext)

	mux.HandleFunc("GET "+p+"/agents", a.Agents.HandleList)
	mux.HandleFunc("GET "+p+"/agents/{id}", a.Agents.HandleGet)
	mux.HandleFunc("GET "+p+"/agents/{id}/metrics", a.Agents.HandleMetrics)
	mux.HandleFunc("POST "+p+"/agents/{id}/health", a.Agents.HandleHealthCheck)
	mux.HandleFunc("POST "+p+"/agents/{id}/actions", a.Agents.HandleAction)
	mux.HandleFunc("GET "+p+"/network/status", a.Agents.HandleNetworkStatus)

	if a.Events != nil {
		mux.HandleFunc("GET "+p+"/events/ws", a.Events.HandleStream)
	}
}

// RegisterHealth mounts the liveness and readiness probes.
func RegisterHealth(mux *http.ServeMux, h *HealthHandler) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
}
