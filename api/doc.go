// Package api 汇集 AgentGov 的 HTTP 接口。
//
// 处理器位于 api/handlers，路由与中间件在 cmd/agentgov 中组装：
//
//	POST /api/v1/triggers                      提交触发
//	GET  /api/v1/agents/{id}/permissions/{n}   权限查询
//	POST /api/v1/proposals/{id}/decision       审批提案
//	POST /api/v1/sessions/{id}/{op}            监督控制
//	GET  /api/v1/sessions/{id}/stream          WebSocket 事件流
//	POST /api/v1/agents/{id}/exams             毕业考试
//	GET  /api/v1/agents/{id}/audit             审计记录
//	POST /api/v1/runtime/events                运行时回调
//
// 除健康检查与版本端点外，启用 JWT 时所有请求需携带
// Authorization: Bearer <token>。
package api
