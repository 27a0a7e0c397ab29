// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package config 提供 AgentGov 的配置管理功能。

# 概述

配置按 默认值 → YAML 文件 → 环境变量（AGENTGOV_ 前缀）的优先级加载，
覆盖服务器、数据库、Redis、日志、遥测、JWT 与治理引擎参数。

# 核心类型

  - Config：完整配置结构，Validate 校验治理参数与后端组合。
  - Loader：Builder 模式加载器，支持自定义环境变量前缀与验证器。
  - HotReloadManager：轮询配置文件，比较差异、通知回调、失败回滚，
    并提供脱敏视图供管理接口展示。
*/
package config
