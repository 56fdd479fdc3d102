// Package ctxkeys holds the context keys shared by the HTTP layer, the
// workflow engine and agent dispatch.
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	userIDKey      contextKey = "user_id"
	executionIDKey contextKey = "execution_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return getString(ctx, requestIDKey)
}

// WithUserID 设置已认证用户（JWT sub）
func WithUserID(ctx context.Context, id string) context.Context {
	return withString(ctx, userIDKey, id)
}

// UserID 获取已认证用户
func UserID(ctx context.Context) (string, bool) {
	return getString(ctx, userIDKey)
}

// WithExecutionID 设置当前工作流执行 ID
func WithExecutionID(ctx context.Context, id string) context.Context {
	return withString(ctx, executionIDKey, id)
}

// ExecutionID 获取当前工作流执行 ID
func ExecutionID(ctx context.Context) (string, bool) {
	return getString(ctx, executionIDKey)
}
