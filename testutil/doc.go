// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 AgentGov 测试的共享工具和辅助函数。

# 概述

testutil 包为治理组件的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext 返回 30 秒超时的上下文，并注册 Cleanup 防止泄漏
  - 存储后端: NewTestDB 返回单连接内存 SQLite（glebarez/sqlite，纯 Go），
    NewTestRedis 启动 miniredis 并返回 go-redis 客户端

# 子包

  - testutil/mocks: MockRuntime（记录派发与控制调用，支持派发错误与
    自定义取消行为）、MockNotifier（记录通知，支持错误注入）、
    MockEpisodeRecorder（记录回灌的任务结果）

由于 mocks 依赖 governance/execution 与 governance/notify，
这两个包自身的测试不能导入 mocks。

# 使用示例

	ctx := testutil.TestContext(t)
	db := testutil.NewTestDB(t)
	runtime := mocks.NewMockRuntime()
*/
package testutil
