// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
包 archive 提供基于 Redis 的工作流执行快照归档，实现
workflow.ExecutionStore。

# 存储布局

  - <prefix>execution:<id>            快照 JSON，带 TTL
  - <prefix>executions:all            有序集合，score 为开始时间（纳秒）
  - <prefix>executions:user:<user_id> 每个用户的有序集合

索引中指向已过期快照的成员在 List 时惰性清理。归档是尽力而为的：
引擎只在执行结束时写入，读取失败不影响内存中的执行。
*/
package archive
