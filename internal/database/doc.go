// Copyright (c) AgentNet Authors.
// Licensed under the MIT License.

/*
包 database 负责打开 GORM 数据库并管理连接池，供工作流定义目录
（internal/catalog）使用。

# 核心类型

  - Open/Dialector：按驱动名（postgres、mysql、sqlite）选择方言，
    GORM 日志经 GormLogger 转发到 zap，语句耗时写入 QueryMetrics。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()；后台健康检查探活并上报连接数。
  - PoolConfig：最大空闲/打开连接数、生命周期、健康检查间隔。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 在死锁、序列化
失败、连接中断等可重试错误上做指数退避重试。
*/
package database
