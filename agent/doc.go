// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
Package agent 管理远程 Agent 的注册、健康检查与请求分发。

# 概述

AgentManager 从静态配置创建 Agent 记录，Start 后为每个 Agent 启动独立的
健康检查循环（GET <url>/health）。SendRequest 将动作以 JSON POST 到 Agent，
并按 Agent 维护请求计数、成功/失败计数与增量平均延迟。

# 状态规则

  - 新注册的 Agent 为 unknown，首次健康检查成功后才接受分发
  - 健康检查 2xx → online，其他情况 → offline 并记录 error_message
  - 连续分发失败达到阈值时熔断器打开，Agent 被快速标记为 offline；
    下一次成功的健康检查恢复 online 并重置熔断器
  - 未知或非 online 的 Agent 直接失败，不发起网络请求，也不计入指标

每个 Agent 记录有独立的锁，一个执行的分发不会阻塞其他 Agent 的查询或分发。
*/
package agent
