// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

// Package config 提供 AgentNet 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（AGENTNET_ 前缀）的顺序加载，
// 由 Validate 统一校验。DefinitionWatcher 轮询工作流定义目录，
// 在文件变化时通知调用方重新注册定义。
package config
