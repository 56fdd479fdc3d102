package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// startHealthLoopLocked spawns the periodic checker for rec. m.mu must be held.
func (m *AgentManager) startHealthLoopLocked(rec *agentRecord) {
	if rec.stopHealth != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.loopCtx)
	rec.stopHealth = cancel

	m.wg.Add(1)
	go m.healthLoop(ctx, rec)
}

// healthLoop checks rec every HealthCheckInterval until ctx is cancelled.
func (m *AgentManager) healthLoop(ctx context.Context, rec *agentRecord) {
	defer m.wg.Done()

	info := rec.snapshot()
	ticker := time.NewTicker(info.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAgent(ctx, rec)
		case <-ctx.Done():
			return
		}
	}
}

// CheckHealth runs an immediate health check and returns the new status.
func (m *AgentManager) CheckHealth(ctx context.Context, agentID string) (AgentStatus, error) {
	rec := m.record(agentID)
	if rec == nil {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	m.checkAgent(ctx, rec)
	return rec.snapshot().Status, nil
}

// checkAgent performs GET <url>/health. Any 2xx marks the agent ONLINE;
// errors and other statuses mark it OFFLINE.
func (m *AgentManager) checkAgent(ctx context.Context, rec *agentRecord) {
	info := rec.snapshot()

	ctx, cancel := context.WithTimeout(ctx, info.Timeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "agent.health_check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("agent.id", info.ID)),
	)
	defer span.End()

	start := time.Now()
	err := m.probe(ctx, info.URL+"/health")
	latency := time.Since(start)

	if err != nil && isShutdown(ctx) {
		// The manager is stopping; keep the last observed status.
		return
	}

	healthy := err == nil
	if m.metrics != nil {
		m.metrics.RecordAgentHealthCheck(info.ID, healthy, latency)
	}

	if healthy {
		m.setStatus(rec, StatusOnline, "", true)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Debug("agent health check failed",
		zap.String("agent_id", info.ID),
		zap.Duration("latency", latency),
		zap.Error(err),
	)
	m.setStatus(rec, StatusOffline, err.Error(), true)
}

func (m *AgentManager) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// isShutdown reports whether ctx was cancelled rather than timed out.
func isShutdown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), context.Canceled)
}
