// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/Errors/Addr/IsRunning。
  - Config：名称、监听地址、读写超时、空闲超时、最大请求头
    大小与优雅关闭超时。

信号处理由调用方（cmd/agentnet）负责，Manager 只暴露 Errors()
供调用方在 select 中同时等待信号与服务异常。
*/
package server
