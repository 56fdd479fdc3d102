// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、Agent、
工作流、执行归档与数据库五个维度。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等向量指标。
    同一个 Collector 同时满足 workflow.MetricsRecorder 与
    agent.MetricsRecorder，由 cmd/agentnet 注入引擎和 agent 管理器。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - Agent 指标：调度次数与延迟（success/failure/error）、健康检查结果、
    agent_status one-hot gauge。
  - 工作流指标：执行开始/结束计数、执行耗时、in-flight gauge、
    按步骤类型与状态分组的步骤计数与耗时。
  - 归档指标：Redis 执行归档的命中与未命中。
  - 数据库指标：连接数 Gauge、查询耗时 Histogram。

NewCollector 注册到默认 Registry（由 promhttp.Handler 暴露）；
测试使用 NewCollectorWith 配合独立的 prometheus.Registry。
*/
package metrics
