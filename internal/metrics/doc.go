// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供治理引擎的 Prometheus 指标。

# 概述

Collector 通过 promauto 注册全部指标，按 namespace 隔离。
所有 Record 方法对 nil 接收者安全，未配置指标时组件无需判空。

# 指标分组

  - HTTP：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 路由决策：按 routing/reason 计数与耗时直方图；降级模式计数。
  - 权限缓存：命中、未命中与失效次数。
  - 提案：按终态计数。
  - 监督会话：开启数、活跃数 Gauge、状态迁移与异常计数。
  - 成熟度：任务样本、毕业考试结果与准备度、等级迁移。
  - 数据库：活跃/空闲连接数 Gauge。
*/
package metrics
