// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentNet 服务端程序入口。

# 概述

cmd/agentnet 加载 YAML 配置，组装 Agent 网络、工作流引擎、
可选的 Redis 执行归档与 SQL 定义目录，并在两个端口上提供
REST / WebSocket API 与 Prometheus /metrics。

# 子命令

  - serve     启动服务，收到 SIGINT / SIGTERM 后优雅关闭
  - validate  离线校验工作流定义文件
  - version   打印构建注入的版本信息
  - health    探测运行中实例的 /health 或 /ready

# 中间件链

Recovery → RequestID → SecurityHeaders → RequestLogger → Metrics →
OTelTracing → CORS → RateLimiter（按 IP，可关闭）→ JWTAuth（HS256，
配置密钥后启用；/health、/healthz、/ready 免认证）。
*/
package main
