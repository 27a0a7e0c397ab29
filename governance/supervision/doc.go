// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package supervision 管理 SUPERVISED 级动作的实时监督会话。

# 状态机

	RUNNING   → PAUSED | CORRECTED | TERMINATED | COMPLETED
	PAUSED    → RUNNING | TERMINATED
	CORRECTED → RUNNING

TERMINATED 与 COMPLETED 为终态。终止总会成功；运行时未在 CancelGrace
内确认取消时，会话记录 CANCELLATION_TIMEOUT 异常并写入审计，不向调用方报错。

# 订阅

Subscribe 返回缓冲事件通道；落后的订阅者被移除并关闭通道，
不会阻塞运行时回调。已结束的会话保留为墓碑，订阅时立即收到终态。
*/
package supervision
