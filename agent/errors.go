package agent

import (
	"errors"
	"fmt"
)

// 调度错误：前两种不会发起任何网络请求。
var (
	// ErrAgentNotFound 表示请求的 agent 未注册
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentOffline 表示 agent 当前不是 ONLINE 状态
	ErrAgentOffline = errors.New("agent offline")
	// ErrAgentDispatch 表示网络或 HTTP 层面的调度失败
	ErrAgentDispatch = errors.New("agent dispatch failed")
)

// 注册表错误
var (
	// ErrInvalidAgent 表示 agent 配置不完整
	ErrInvalidAgent = errors.New("invalid agent")
	// ErrDuplicateAgent 表示 agent ID 重复
	ErrDuplicateAgent = errors.New("duplicate agent id")
)

// DispatchError 描述一次失败的 HTTP 调度。StatusCode 为 0 表示没有收到响应。
type DispatchError struct {
	AgentID    string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("agent %s returned status %d: %v", e.AgentID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent %s unreachable: %v", e.AgentID, e.Err)
}

// Unwrap 同时匹配 ErrAgentDispatch 与底层错误（如 context.DeadlineExceeded）
func (e *DispatchError) Unwrap() []error {
	return []error{ErrAgentDispatch, e.Err}
}
