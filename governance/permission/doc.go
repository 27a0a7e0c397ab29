// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package permission 将 (等级, 复杂度) 映射为路由并缓存结论。

# 路由矩阵

	            C1       C2        C3         C4
	STUDENT     EXECUTE  BLOCK     BLOCK      BLOCK
	INTERN      EXECUTE  PROPOSE   PROPOSE    BLOCK
	SUPERVISED  EXECUTE  EXECUTE   SUPERVISE  BLOCK
	AUTONOMOUS  EXECUTE  EXECUTE   EXECUTE    EXECUTE

被撤销的能力与已停用的 Agent 一律 BLOCK。

# 缓存

Cache 按 agent 分片，命中只取一次分片读锁且不做 I/O。条目以
ConfigVersion 为键，失效时记录版本下限，晚于下限的重载才会入缓存。
配置 Publisher/Subscriber 后失效通过 Redis Pub/Sub 广播到其他节点。
*/
package permission
