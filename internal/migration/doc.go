// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 提供治理引擎数据库 Schema 的迁移管理，支持 PostgreSQL、
MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各方言的 SQL 迁移文件：

  - 000001_governance_schema：agents 与 audit_records（每个 Agent 的
    序号唯一索引保证审计链有序）。
  - 000002_approval_schema：proposals、exam_results 与 episodes。

# 核心接口与类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：基于 golang-migrate 的默认实现。
  - CLI：`agentgov migrate <command>` 的终端输出层，Run 负责解析子命令。
  - NewMigratorFromConfig：从 config.Config 的 database 段创建迁移器。
*/
package migration
