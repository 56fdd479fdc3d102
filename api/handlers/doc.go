// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentNet HTTP API 的请求处理器。

所有 Handler 都是标准 net/http 处理函数，路由在 cmd/agentnet 中用
Go 1.22 的方法 + 路径模式注册，路径参数通过 r.PathValue 读取。

# 核心类型

  - WorkflowHandler   工作流定义的注册（JSON / YAML）、查询、删除与执行启动
  - ExecutionHandler  执行快照、进度、取消与上下文写入
  - AgentHandler      agent 列表、指标、按需健康检查、手动调度与网络状态
  - EventsHandler     /api/v1/events/ws，基于 coder/websocket 推送事件总线
  - HealthHandler     /health、/healthz 与 /ready

# 错误处理

ToAPIError 把 workflow 与 agent 包的哨兵错误翻译成 *types.Error，
WriteError 再按错误码映射 HTTP 状态码，统一输出 Response 结构。
*/
package handlers
