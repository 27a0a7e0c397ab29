// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentGov 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 governance、api、cmd
等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - MaturityTier：成熟度等级 STUDENT / INTERN / SUPERVISED / AUTONOMOUS
  - ActionComplexity：动作复杂度 1（只读）到 4（关键或破坏性）
  - ActionRequest：触发请求（agent、复杂度、触发来源、负载）
  - GovernanceDecision：按 (agent, 复杂度, 配置版本) 缓存的路由结论
  - Agent：治理视角下的 Agent 状态与统计
  - EpisodeOutcome：回灌成熟度统计的一次任务结果
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRequestID / WithRoles
  - 错误工具链：AsError / GetErrorCode / IsErrorCode / IsRetryable
  - 常用错误构造：NewValidationError / NewNotFoundError / NewConflictError /
    NewDegradedModeError / NewUpstreamError / NewCancellationTimeoutError
  - 缓存键：DecisionKey 对 agent、复杂度与配置版本做 SHA-256
*/
package types
