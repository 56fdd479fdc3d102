// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

// Package tlsutil 提供 Agent 出站流量使用的 HTTP 传输层：
// 安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）与连接池参数。
package tlsutil
