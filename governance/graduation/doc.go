// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package graduation 运行毕业考试：在 errgroup 中并发回放最近的任务场景，
// 按目标等级门槛评分。standard 模式通过即晋升，calibration 模式只记录结果。
package graduation
