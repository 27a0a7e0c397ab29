// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentGov 治理服务的程序入口。

# 概述

cmd/agentgov 组装治理引擎、存储后端与 HTTP 接口，提供 serve、migrate、
version、health 子命令。程序支持 YAML 配置加载、结构化日志（zap）、
OpenTelemetry 追踪、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server：按配置选择 memory/database 存储、log/redis 运行时与通知，
    运行 API 与 Metrics 双端口并负责优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - RateLimiter：基于客户端 IP 的令牌桶，限额可热更新

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、RateLimiter、JWTAuth
  - JWTAuth 将 user_id（或 sub）、tenant_id、roles 写入请求上下文，
    审批与监督接口据此校验角色
  - 配置热重载：日志级别与限流参数即时生效
  - Redis 运行时：消费执行事件流并回调引擎
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
