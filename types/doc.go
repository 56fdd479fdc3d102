// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentNet 的跨包共享类型。

types 位于依赖图最底层，不依赖任何内部包。目前只包含结构化错误：

  - Error / ErrorCode  结构化错误，含 HTTP 状态码与 Retryable 标记
  - AsError / GetErrorCode / IsRetryable  沿 error 链提取 *Error

api/handlers 把 workflow 与 agent 包的哨兵错误翻译成这里的错误码。
*/
package types
