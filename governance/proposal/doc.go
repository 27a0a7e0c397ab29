// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package proposal 实现 INTERN 级动作的审批流程：PENDING 提案只能通过
// 比较并交换迁移到 APPROVED、REJECTED 或 EXPIRED 之一，批准后以提案 ID
// 为幂等键派发，同一提案最多执行一次。
package proposal
