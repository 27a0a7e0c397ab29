// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package governance 组装 Agent 治理与成熟度晋升引擎。

# 概述

Engine 是治理层的唯一入口：每个触发请求先按 Agent 的成熟度等级与
动作复杂度路由为 EXECUTE、PROPOSE、SUPERVISE 或 BLOCK，再分别交给
运行时直接执行、提案审批流程或实时监督会话。执行结果作为任务样本
回灌成熟度统计，毕业考试据此决定晋升。

# 组件

  - maturity.Classifier：等级、置信度与合规度的唯一写入者
  - permission.Cache：按 (agent, 复杂度, 配置版本) 缓存路由结论
  - interceptor：校验、路由、派发并写入审计
  - proposal.Manager：提案创建、审批、过期与幂等派发
  - supervision.Manager：会话状态机、订阅者与停滞检测
  - graduation.Evaluator：场景回放考试与晋升
  - execution.Router：将运行时回调分发给会话或跟踪器
  - audit.Log：按 agent 哈希链接的只追加日志

# 部署形态

Deps 决定后端：内存或 GORM 存储、日志或 Redis Streams 运行时、
进程内或 Redis Pub/Sub 缓存失效广播。Registry、Audit 与 Runtime 必填，
其余缺省时回退到内存实现。

# 使用示例

	engine, err := governance.New(governance.Deps{
		Registry: maturity.NewMemoryRegistry(),
		Audit:    audit.NewMemoryLog(logger),
		Runtime:  execution.NewLogRuntime(logger),
	}, governance.DefaultConfig(), logger)
	engine.Start(ctx)
	defer engine.Stop()
	outcome, err := engine.SubmitTrigger(ctx, req)
*/
package governance
