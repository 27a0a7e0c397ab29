// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为治理存储提供基于 GORM 的连接池与事务边界。

# 概述

PoolManager 封装 GORM 与 database/sql 的连接池配置，后台定时探活
并把连接数上报给 metrics.Collector。它同时实现 health.Checker，
由 /readyz 汇总数据库状态。

# 核心类型

  - PoolManager：持有 *gorm.DB，提供 DB、Ping、Check、Stats、Close。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与探活间隔。
  - PoolStats：GetStats 返回的结构化统计。

# 事务

InTx 把事务句柄放入 context，GORM 存储（注册表、审计日志、提案、
任务记录）通过 database.Conn 取用，使等级变更与其审计记录
在同一事务内提交。InTxRetry 在死锁或序列化失败时指数退避重试。
*/
package database
