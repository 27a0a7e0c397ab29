// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package maturity 维护 Agent 的成熟度等级与统计。

# 等级门槛

	等级          最少任务数   最大干预率   最低合规度
	INTERN        10           0.50         0.70
	SUPERVISED    25           0.20         0.85
	AUTONOMOUS    50           0.00         0.95

TierFor 只根据统计计算资格，从不改变存储的等级；晋升只发生在毕业考试
通过或管理员覆盖时。

# 核心类型

  - Registry：Agent 存储（MemoryRegistry、GormRegistry）
  - Classifier：所有写入的唯一入口，每次变更递增 ConfigVersion、
    写审计并通知缓存失效；注册表读取受熔断器保护，失败时报告降级
  - Readiness：毕业准备度评分（任务数 0.4、干预率 0.3、合规度 0.3）

合规度按 EWMA 更新，权重为 Config.ComplianceAlpha。
*/
package maturity
