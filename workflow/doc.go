// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于依赖图的多步骤工作流引擎。

# 概述

WorkflowEngine 注册 WorkflowDefinition，并为每次 ExecuteWorkflow 调用创建一个
WorkflowExecution。同一执行内无依赖关系的步骤并发调度；步骤结果写回执行上下文，
供后续步骤的条件与参数模板引用。

# 核心类型

  - WorkflowDefinition / WorkflowStep: 工作流模板与步骤（action、parallel、loop、condition、wait）
  - DefinitionBuilder / StepBuilder  : Fluent API 构建定义
  - ConditionEvaluator               : 条件求值，永不报错（失败即 false）
  - LoopController                   : 循环继续判定与迭代上限
  - WorkflowExecution                : 单次执行的状态、上下文与步骤状态
  - ExecutionStore                   : 已完成执行的归档接口（MemoryExecutionStore 为内存实现）

# 执行语义

  - 步骤在全部依赖为 completed 或 skipped 后启动；条件为假的步骤标记为 skipped
  - 任一步骤失败即停止调度新步骤（fail-fast），已运行的步骤继续完成
  - 每个步骤受自身 timeout 约束；parallel 的 timeout 约束整组
  - loop 按 break_on_error 决定失败迭代是否终止循环
  - 取消执行会传播到所有进行中的分发与等待，未开始的步骤标记为 cancelled
  - 上下文中的 {{path}} 模板在每次 action 分发前解析

执行一旦开始，所有失败都以数据形式记录在 WorkflowExecution 中，而不是作为
ExecuteWorkflow 的返回错误。
*/
package workflow
