// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentGov 治理 HTTP API 的请求处理器实现。

# 概述

每个 Handler 只依赖治理引擎的一个窄接口（AgentService、TriggerService、
ProposalService 等），由 *governance.Engine 统一实现，并通过 Register
挂载到 Go 1.22 的 http.ServeMux 路由模式上。

# 核心类型

  - AgentHandler：注册、层级覆盖、能力收窄、停用/启用、情节上报、权限查询
  - TriggerHandler：自动触发入口，EXECUTE 200 / PROPOSE、SUPERVISE 202 / BLOCK 403
  - ProposalHandler：提案列表与审批（审批人来自 JWT 身份）
  - SessionHandler：监督控制（pause/resume/correct/terminate）与 WebSocket 事件流
  - ExamHandler：毕业考试与历史结果
  - AuditHandler：审计查询与哈希链校验
  - RuntimeHandler：执行运行时回调（X-Runtime-Token 校验）
  - HealthHandler：/healthz 与 /readyz（数据库、Redis、注册表熔断器）
  - ConfigHandler：脱敏后的运行配置

# 主要能力

  - 统一响应格式：WriteSuccess / WriteCreated / WriteError
  - types.Error 错误码到 HTTP 状态码映射，非分类错误统一为 INTERNAL_ERROR
  - DecodeJSONBody：1 MB 限制 + 严格模式
  - 角色校验：admin、approver、supervisor、runtime
*/
package handlers
