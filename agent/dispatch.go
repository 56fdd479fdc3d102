package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/internal/ctxkeys"
	"github.com/BaSui01/agentnet/internal/pool"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeError    = "error"
	maxErrorSnippet = 256
)

// SendRequest dispatches req to its agent and always returns a response.
//
// Unknown and non-ONLINE agents fail immediately without a network call
// and without touching metrics. Otherwise the request is POSTed as
// {action, parameters, user_id, request_id}; every dispatch that reached
// the network updates the agent's metrics. The returned error is non-nil
// only for failures the caller may want to classify with errors.Is; an
// agent replying {"success": false} is reported through the response alone.
func (m *AgentManager) SendRequest(ctx context.Context, req *AgentRequest) (*AgentResponse, error) {
	if req.RequestID == "" {
		if id, ok := ctxkeys.RequestID(ctx); ok {
			req.RequestID = id
		} else {
			req.RequestID = uuid.NewString()
		}
	}
	resp := &AgentResponse{AgentID: req.AgentID, RequestID: req.RequestID}

	rec := m.record(req.AgentID)
	if rec == nil {
		resp.Error = ErrAgentNotFound.Error()
		return resp, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
	}

	info := rec.snapshot()
	if info.Status != StatusOnline {
		resp.Error = ErrAgentOffline.Error()
		return resp, fmt.Errorf("%w: %s (%s)", ErrAgentOffline, req.AgentID, info.Status)
	}

	if rec.limiter != nil {
		if err := rec.limiter.Wait(ctx); err != nil {
			derr := &DispatchError{AgentID: info.ID, Err: fmt.Errorf("rate limit wait: %w", err)}
			resp.Error = derr.Error()
			return resp, derr
		}
	}

	ctx, span := m.tracer.Start(ctx, "agent.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.id", info.ID),
			attribute.String("agent.action", req.Action),
			attribute.String("agent.request_id", req.RequestID),
		),
	)
	defer span.End()

	start := time.Now()
	body, attempts, err := m.post(ctx, info, req)
	latency := time.Since(start)
	resp.ExecutionTime = latency
	span.SetAttributes(attribute.Int("agent.attempts", attempts))

	if err != nil {
		// A caller-side cancellation says nothing about the agent's health.
		transportFailure := ctx.Err() == nil
		var derr *DispatchError
		if errors.As(err, &derr) && derr.StatusCode > 0 && derr.StatusCode < 500 {
			transportFailure = false
		}
		m.recordOutcome(rec, req.Action, outcomeError, latency, transportFailure)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		resp.Error = err.Error()

		m.logger.Warn("agent dispatch failed",
			zap.String("agent_id", info.ID),
			zap.String("action", req.Action),
			zap.String("request_id", req.RequestID),
			zap.Int("attempts", attempts),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return resp, err
	}

	decodeResponse(body, resp)
	outcome := outcomeSuccess
	if !resp.Success {
		outcome = outcomeFailure
		span.SetStatus(codes.Error, resp.Error)
	}
	m.recordOutcome(rec, req.Action, outcome, latency, false)

	m.logger.Debug("agent dispatch completed",
		zap.String("agent_id", info.ID),
		zap.String("action", req.Action),
		zap.String("request_id", req.RequestID),
		zap.Bool("success", resp.Success),
		zap.Duration("latency", latency),
	)
	return resp, nil
}

// post sends the request with up to RetryCount retries on transport
// errors and 5xx statuses. It returns the 2xx body and the attempt count.
func (m *AgentManager) post(ctx context.Context, info AgentInfo, req *AgentRequest) ([]byte, int, error) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := json.NewEncoder(buf).Encode(wireRequest{
		Action:     req.Action,
		Parameters: params,
		UserID:     req.UserID,
		RequestID:  req.RequestID,
	}); err != nil {
		return nil, 0, &DispatchError{AgentID: info.ID, Err: fmt.Errorf("failed to serialize request: %w", err)}
	}
	payload := buf.Bytes()

	timeout := info.Timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= info.RetryCount+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, attempt - 1, &DispatchError{AgentID: info.ID, Err: ctx.Err()}
			case <-time.After(m.cfg.RetryDelay * time.Duration(attempt-1)):
			}
		}

		body, status, err := m.postOnce(ctx, info, req, payload, timeout)
		if err == nil {
			return body, attempt, nil
		}
		lastErr = &DispatchError{AgentID: info.ID, StatusCode: status, Err: err}

		retryable := status == 0 || status >= 500
		if !retryable || ctx.Err() != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, attempt - 1, lastErr
}

func (m *AgentManager) postOnce(ctx context.Context, info AgentInfo, req *AgentRequest, payload []byte, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, info.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if req.UserID != "" {
		httpReq.Header.Set("X-User-ID", req.UserID)
	}
	if execID, ok := ctxkeys.ExecutionID(ctx); ok {
		httpReq.Header.Set("X-Execution-ID", execID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, m.cfg.MaxResponseBytes))
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, httpResp.StatusCode, errors.New(errorSnippet(body))
	}
	return body, httpResp.StatusCode, nil
}

// decodeResponse reads {success, data, error}. A 2xx body without a
// success field counts as success; a body without data is the data.
func decodeResponse(body []byte, resp *AgentResponse) {
	if len(bytes.TrimSpace(body)) == 0 {
		resp.Success = true
		return
	}
	if !gjson.ValidBytes(body) {
		resp.Success = true
		resp.Data = string(body)
		return
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		resp.Success = true
		resp.Data = parsed.Value()
		return
	}

	success := parsed.Get("success")
	resp.Success = !success.Exists() || success.Bool()

	if data := parsed.Get("data"); data.Exists() {
		resp.Data = data.Value()
	} else if !success.Exists() {
		resp.Data = parsed.Value()
	}

	if errField := parsed.Get("error"); errField.Exists() && errField.Type != gjson.Null {
		if errField.IsObject() {
			if msg := errField.Get("message"); msg.Exists() {
				resp.Error = msg.String()
			} else {
				resp.Error = errField.Raw
			}
		} else {
			resp.Error = errField.String()
		}
	}
	if !resp.Success && resp.Error == "" {
		resp.Error = "agent reported failure"
	}
}

func errorSnippet(body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() && msg.String() != "" {
		if m := msg.Get("message"); m.Exists() {
			return m.String()
		}
		return msg.String()
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	if s == "" {
		s = "empty response body"
	}
	return s
}

// recordOutcome updates the running mean and counters, and trips the
// dispatch breaker on repeated transport failures.
func (m *AgentManager) recordOutcome(rec *agentRecord, action, outcome string, latency time.Duration, transportFailure bool) {
	rec.mu.Lock()
	mt := &rec.metrics
	mt.RequestCount++
	n := float64(mt.RequestCount)
	rec.avgNanos = (rec.avgNanos*(n-1) + float64(latency)) / n
	mt.AvgResponseTime = time.Duration(rec.avgNanos)
	mt.LastResponseTime = latency
	mt.LastRequestAt = time.Now()
	if outcome == outcomeSuccess {
		mt.SuccessCount++
	} else {
		mt.ErrorCount++
	}

	var tripped bool
	var old AgentStatus
	if transportFailure {
		tripped = rec.breaker.recordFailure()
	} else if outcome != outcomeError {
		rec.breaker.recordSuccess()
	}
	if tripped {
		old = rec.info.Status
		rec.info.Status = StatusOffline
		rec.info.ErrorMessage = fmt.Sprintf("%d consecutive dispatch failures", rec.breaker.failures)
	}
	agentID := rec.info.ID
	reason := rec.info.ErrorMessage
	rec.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordAgentRequest(agentID, action, outcome, latency)
	}
	if tripped && old != StatusOffline {
		m.statusChanged(agentID, old, StatusOffline, reason)
	}
}
