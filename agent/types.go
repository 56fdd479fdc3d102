package agent

import (
	"time"
)

// AgentStatus is the reachability of an agent as last observed.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
	StatusUnknown AgentStatus = "unknown"
)

// AgentInfo describes a remote agent. Status, LastHealthCheck and
// ErrorMessage are maintained by the manager.
type AgentInfo struct {
	ID                  string            `json:"id" yaml:"id"`
	Name                string            `json:"name" yaml:"name"`
	URL                 string            `json:"url" yaml:"url"`
	Status              AgentStatus       `json:"status" yaml:"-"`
	Capabilities        []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Timeout             time.Duration     `json:"timeout" yaml:"timeout"`
	RetryCount          int               `json:"retry_count" yaml:"retry_count"`
	HealthCheckInterval time.Duration     `json:"health_check_interval" yaml:"health_check_interval"`
	RateLimit           float64           `json:"rate_limit,omitempty" yaml:"rate_limit"`
	RateBurst           int               `json:"rate_burst,omitempty" yaml:"rate_burst"`
	LastHealthCheck     time.Time         `json:"last_health_check,omitempty" yaml:"-"`
	ErrorMessage        string            `json:"error_message,omitempty" yaml:"-"`
	Metadata            map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// HasCapability reports whether the agent advertises name.
func (a *AgentInfo) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (a AgentInfo) clone() AgentInfo {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// AgentMetrics are per-agent dispatch counters. AvgResponseTime is a
// running mean over every dispatch that reached the network.
type AgentMetrics struct {
	AgentID             string        `json:"agent_id"`
	RequestCount        int64         `json:"request_count"`
	SuccessCount        int64         `json:"success_count"`
	ErrorCount          int64         `json:"error_count"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastResponseTime    time.Duration `json:"last_response_time"`
	LastRequestAt       time.Time     `json:"last_request_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BreakerTrips        int64         `json:"breaker_trips"`
}

// SuccessRate returns SuccessCount/RequestCount, or 0 before any request.
func (m AgentMetrics) SuccessRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.RequestCount)
}

// AgentRequest is one action invocation. Timeout, when set and shorter
// than the agent's own timeout, bounds each HTTP attempt.
type AgentRequest struct {
	AgentID    string         `json:"agent_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	UserID     string         `json:"user_id,omitempty"`
	RequestID  string         `json:"request_id"`
	Timeout    time.Duration  `json:"-"`
}

// AgentResponse is always returned by SendRequest; Success=false carries
// the reason in Error.
type AgentResponse struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	AgentID       string        `json:"agent_id"`
	RequestID     string        `json:"request_id"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NetworkStatus aggregates agent reachability.
type NetworkStatus struct {
	TotalAgents   int       `json:"total_agents"`
	OnlineAgents  int       `json:"online_agents"`
	OfflineAgents int       `json:"offline_agents"`
	UnknownAgents int       `json:"unknown_agents"`
	NetworkHealth float64   `json:"network_health"`
	Timestamp     time.Time `json:"timestamp"`
}

// wireRequest is the body POSTed to an agent.
type wireRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	UserID     string         `json:"user_id"`
	RequestID  string         `json:"request_id"`
}
