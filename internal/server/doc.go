// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 AgentGov 的 HTTP 监听器生命周期。

治理 API 与 Prometheus 指标端点各自运行在独立的 Manager 之下。
Manager 封装 net/http.Server：Start 非阻塞启动，Run 阻塞直到
context 结束后优雅关闭，Shutdown 幂等。配置证书路径后使用
tlsutil 的加固 TLS 配置（TLS 1.2+，仅 AEAD 密码套件）。
*/
package server
