package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/events"
	"github.com/BaSui01/agentnet/workflow"
)

// fakeAgent speaks the agent protocol. Actions:
//   - "fail"  replies {"success": false}
//   - "boom"  replies 500
//   - anything else echoes the action and parameters as data
type fakeAgent struct {
	*httptest.Server
	healthy atomic.Bool
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{}
	fa.healthy.Store(true)
	fa.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if !fa.healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		var req struct {
			Action     string         `json:"action"`
			Parameters map[string]any `json:"parameters"`
			UserID     string         `json:"user_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Action {
		case "fail":
			_, _ = w.Write([]byte(`{"success":false,"error":"rejected"}`))
		case "boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data": map[string]any{
					"action":     req.Action,
					"parameters": req.Parameters,
					"user_id":    req.UserID,
				},
			})
		}
	}))
	t.Cleanup(fa.Close)
	return fa
}

func newTestManager(t *testing.T, agents []agent.AgentInfo, opts ...agent.Option) *agent.AgentManager {
	t.Helper()
	cfg := agent.DefaultManagerConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.DefaultHealthCheckInterval = time.Hour
	cfg.RetryDelay = time.Millisecond
	m, err := agent.NewAgentManager(cfg, agents, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// testAPI is a running API server over a real engine and agent manager
// with one healthy agent "echo".
type testAPI struct {
	*httptest.Server
	engine  *workflow.WorkflowEngine
	manager *agent.AgentManager
	bus     *events.Bus
	agent   *fakeAgent
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	fa := newFakeAgent(t)
	manager := newTestManager(t, []agent.AgentInfo{{ID: "echo", URL: fa.URL, Capabilities: []string{"echo"}}}, agent.WithEventBus(bus))
	require.NoError(t, manager.Start(context.Background()))

	cfg := workflow.DefaultEngineConfig()
	cfg.DefaultStepTimeout = 5 * time.Second
	cfg.WaitPollInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.CleanupInterval = 0
	engine := workflow.NewEngine(manager, cfg, zap.NewNop(), workflow.WithEventBus(bus))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	api := &API{
		Workflows:  NewWorkflowHandler(engine, zap.NewNop()),
		Executions: NewExecutionHandler(engine, zap.NewNop()),
		Agents:     NewAgentHandler(manager, zap.NewNop()),
		Events:     NewEventsHandler(bus, nil, zap.NewNop()),
	}
	mux := http.NewServeMux()
	api.Register(mux)
	RegisterHealth(mux, NewHealthHandler("test", zap.NewNop()))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testAPI{Server: srv, engine: engine, manager: manager, bus: bus, agent: fa}
}

// call issues a request and decodes the envelope. data, when non-nil,
// receives Response.Data.
func (a *testAPI) call(t *testing.T, method, path, contentType, body string, data any) (int, Response) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, a.URL+path, reader)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope), string(raw))
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data), string(envelope.Data))
	}
	return resp.StatusCode, envelope.Response
}

// waitTerminal polls the execution until it reaches a terminal status.
func (a *testAPI) waitTerminal(t *testing.T, executionID string) workflow.ExecutionSnapshot {
	t.Helper()
	exec, ok := a.engine.GetExecution(executionID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := exec.Wait(ctx)
	require.NoError(t, err)
	return snap
}
